package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request named "METHOD /route/{pattern}".
// Requests that never match a route keep their raw path.
func Tracing(opts ...otelhttp.Option) func(http.Handler) http.Handler {
	opts = append([]otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return spanName(r)
		}),
	}, opts...)

	return func(next http.Handler) http.Handler {
		routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			if pattern := matchedPattern(r); pattern != "" {
				trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("http.route", pattern))
			}
		})
		return otelhttp.NewHandler(routed, "http.server", opts...)
	}
}

// spanName is called by otelhttp when the span starts and again once the
// request carries a route pattern.
func spanName(r *http.Request) string {
	pattern := matchedPattern(r)
	if pattern == "" {
		return r.Method + " " + r.URL.Path
	}
	// net/http patterns may already start with the method
	if strings.HasPrefix(pattern, r.Method+" ") {
		return pattern
	}
	return r.Method + " " + pattern
}

func matchedPattern(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
