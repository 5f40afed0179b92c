// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeaders are consulted in order to find an inbound correlation id.
var RequestIDHeaders = []string{"X-Correlation-Id", "X-Trace-Id", "X-Request-Id"}

type contextKey struct{}

type requestIDKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the request-scoped logger stored in ctx, or the
// process logger when none is present.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return get()
}

// RequestID returns the request id stored in ctx by [Middleware].
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDFromHeader picks the first non-empty correlation header, falling
// back to a random UUID.
func RequestIDFromHeader(h http.Header) string {
	for _, name := range RequestIDHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// Middleware attaches a request id and a logger annotated with it to every
// request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RequestIDFromHeader(r.Header)
		l := get().With(slog.String("request_id", id))

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = WithContext(ctx, l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
