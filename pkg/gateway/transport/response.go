// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"

	"github.com/stacklok/oidcgate/pkg/logger"
)

// ErrorBody is the JSON error format.
type ErrorBody struct {
	Error   bool         `json:"error"`
	Details ErrorDetails `json:"details"`
}

// ErrorDetails describes an error response.
type ErrorDetails struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WantsJSON reports whether the request accepts a JSON response.
func WantsJSON(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		mediaType, _, err := mime.ParseMediaType(accept)
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}

// WriteError answers with JSON when the client accepts it and with
// "<code>: <message>" as plain text otherwise.
func WriteError(w http.ResponseWriter, r *http.Request, code int, message string) {
	if WantsJSON(r) {
		WriteJSON(w, code, ErrorBody{Error: true, Details: ErrorDetails{Message: message, Code: code}})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "%d: %s", code, message)
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// WriteRedirect answers with a 307 to url.
func WriteRedirect(w http.ResponseWriter, url string) {
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusTemporaryRedirect)
}
