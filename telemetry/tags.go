// Package telemetry provides request tagging for structured logging, metrics
// and tracing.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// Result is the outcome of a request as seen by the handler.
type Result string

const (
	ResultStored    Result = "stored"
	ResultDuplicate Result = "duplicate"
	ResultServed    Result = "served"
	ResultRejected  Result = "rejected"
	ResultMissing   Result = "missing"
	ResultGone      Result = "gone"
	ResultNA        Result = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route  string
	Result Result
	// ErrorCode is the error code returned to the client, if any.
	ErrorCode string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetRoute sets the route tag for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetResult sets the request result for logging.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetErrorCode records the error code sent to the client and marks the
// request rejected.
func SetErrorCode(r *http.Request, code string) {
	if tags := GetTags(r); tags != nil {
		tags.ErrorCode = code
		tags.Result = ResultRejected
	}
}
