package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedTransport is an http.RoundTripper for calls the service makes
// to third parties such as the captcha oracle. Each call gets a client span,
// trace context headers and outbound request metrics.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport creates a transport for calls to target, a short
// label such as "turnstile". A nil base means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := Tracer().Start(req.Context(), "outbound."+t.target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
		),
	)

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	start := time.Now()
	resp, err := t.base.RoundTrip(out)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		span.End()
		RecordOutboundRequest(ctx, t.target, time.Since(start), 0, outcome)
		return nil, err
	}

	outcome := statusOutcome(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, outcome)
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		span:       span,
		target:     t.target,
		start:      start,
		outcome:    outcome,
	}
	return resp, nil
}

func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// meteredBody counts response bytes and finishes the span and metrics on
// the first Close.
type meteredBody struct {
	io.ReadCloser
	ctx     context.Context
	span    trace.Span
	target  string
	start   time.Time
	outcome string
	n       int64
	done    bool
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	if !b.done {
		b.done = true
		b.span.SetAttributes(attribute.Int64("http.response.body.size", b.n))
		b.span.End()
		RecordOutboundRequest(b.ctx, b.target, time.Since(b.start), b.n, b.outcome)
	}
	return b.ReadCloser.Close()
}
