// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"net/http"
)

// Exchange is one inbound request and the means to answer it, independent
// of the protocol it arrived on.
type Exchange interface {
	Context() context.Context
	Method() string
	Path() string
	RawQuery() string
	Header(name string) string
	Cookies() map[string]string

	// SetCookies stages cookies for the eventual response.
	SetCookies(cookies []*http.Cookie)
	// Redirect terminates the exchange with a temporary redirect.
	Redirect(url string)
	// SendError terminates the exchange with an error status.
	SendError(code int, message string)
	// SendJSON terminates the exchange with a JSON body.
	SendJSON(code int, v any)
}

// Outcome is what a flow stage decided about the request.
type Outcome int

const (
	// Proceed means the request may continue to the next stage.
	Proceed Outcome = iota
	// Rejected means the exchange has already been answered.
	Rejected
)

func (o Outcome) String() string {
	if o == Rejected {
		return "rejected"
	}
	return "proceed"
}
