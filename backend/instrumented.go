package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfeidau/img2url/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording and tracing.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	ctx, finish := ib.start(ctx, "put", key)
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Put(ctx, key, cr, contentType)
	telemetry.RecordBackendOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), cr.n)
	finish(err)
	return err
}

func (ib *InstrumentedBackend) Get(ctx context.Context, key string) (*Object, error) {
	ctx, finish := ib.start(ctx, "get", key)
	start := time.Now()
	obj, err := ib.backend.Get(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), 0)
	finish(err)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	ctx, finish := ib.start(ctx, "delete", key)
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	finish(err)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	ctx, finish := ib.start(ctx, "exists", key)
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	finish(err)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, pageToken string, limit int) (*ListPage, error) {
	ctx, finish := ib.start(ctx, "list", pageToken)
	start := time.Now()
	page, err := ib.backend.List(ctx, pageToken, limit)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	finish(err)
	return page, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func (ib *InstrumentedBackend) start(ctx context.Context, op, key string) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "backend."+op,
		attribute.String("backend.name", ib.name),
		attribute.String("backend.key", key),
	)
	return ctx, func(err error) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var _ Backend = (*InstrumentedBackend)(nil)
