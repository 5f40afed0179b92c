// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the gateway
// endpoints.
package errors

import (
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/gateway/transport"
	"github.com/stacklok/oidcgate/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into error responses. No redirects are configured.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return NewErrorHandler(config.Redirects{})(fn)
}

// NewErrorHandler returns a decorator like ErrorHandler that answers with
// the redirect configured for the resulting status code, if any.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using httperr.Code()
//   - For 5xx errors: logs full error details, returns a generic message
//   - For 4xx errors: returns error message to client
func NewErrorHandler(redirects config.Redirects) func(HandlerWithError) http.HandlerFunc {
	return func(fn HandlerWithError) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			err := fn(w, r)
			if err == nil {
				return
			}

			code := httperr.Code(err)
			message := err.Error()
			if code >= http.StatusInternalServerError {
				logger.FromContext(r.Context()).Error("Unexpected error occurred", "error", err)
				message = "Unexpected error occurred"
				if code == http.StatusServiceUnavailable {
					message = "Service Unavailable"
				}
			}

			if target := redirects.ForStatus(code); target != "" {
				transport.WriteRedirect(w, target)
				return
			}
			transport.WriteError(w, r, code, message)
		}
	}
}
