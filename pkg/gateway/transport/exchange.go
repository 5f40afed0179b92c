// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport adapts inbound HTTP/1.1, HTTP/2 and WebSocket upgrade
// requests to gateway.Exchange.
package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/stacklok/oidcgate/pkg/gateway"
)

// Exchange is a gateway.Exchange that may hold cookies for the upstream
// response.
type Exchange interface {
	gateway.Exchange
	// Protocol names the adapter for logs and metrics.
	Protocol() string
	// Pending returns Set-Cookie values not yet written to the client.
	Pending() []string
	// Answered reports whether a terminal response was written.
	Answered() bool
}

// New picks the adapter for r.
func New(w http.ResponseWriter, r *http.Request) Exchange {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		return NewWebSocket(w, r)
	case r.ProtoMajor == 2:
		return NewHTTP2(w, r)
	default:
		return NewHTTP(w, r)
	}
}

// base holds what every adapter shares.
type base struct {
	w        http.ResponseWriter
	r        *http.Request
	cookies  map[string]string
	answered bool
}

func newBase(w http.ResponseWriter, r *http.Request) base {
	return base{w: w, r: r}
}

func (b *base) Context() context.Context { return b.r.Context() }
func (b *base) Method() string           { return b.r.Method }
func (b *base) Path() string             { return b.r.URL.Path }
func (b *base) RawQuery() string         { return b.r.URL.RawQuery }
func (b *base) Header(name string) string {
	return b.r.Header.Get(name)
}
func (b *base) Answered() bool { return b.answered }

// Cookies parses the Cookie header once. The first value of a repeated
// name wins.
func (b *base) Cookies() map[string]string {
	if b.cookies == nil {
		b.cookies = map[string]string{}
		for _, c := range b.r.Cookies() {
			if _, seen := b.cookies[c.Name]; !seen {
				b.cookies[c.Name] = c.Value
			}
		}
	}
	return b.cookies
}

// HTTP writes staged cookies straight into the response header. The
// reverse proxy adds upstream Set-Cookie values after them.
type HTTP struct {
	base
}

// NewHTTP adapts an HTTP/1.1 request.
func NewHTTP(w http.ResponseWriter, r *http.Request) *HTTP {
	return &HTTP{base: newBase(w, r)}
}

// Protocol implements Exchange.
func (*HTTP) Protocol() string { return "http1" }

// Pending implements Exchange.
func (*HTTP) Pending() []string { return nil }

// SetCookies implements gateway.Exchange.
func (h *HTTP) SetCookies(cookies []*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(h.w, c)
	}
}

// Redirect implements gateway.Exchange.
func (h *HTTP) Redirect(url string) {
	h.answered = true
	WriteRedirect(h.w, url)
}

// SendError implements gateway.Exchange.
func (h *HTTP) SendError(code int, message string) {
	h.answered = true
	WriteError(h.w, h.r, code, message)
}

// SendJSON implements gateway.Exchange.
func (h *HTTP) SendJSON(code int, v any) {
	h.answered = true
	WriteJSON(h.w, code, v)
}

// HTTP2 accumulates cookies and attaches them to whichever response ends
// the stream: a terminal answer or the merged upstream response.
type HTTP2 struct {
	base
	pending []*http.Cookie
}

// NewHTTP2 adapts an HTTP/2 stream.
func NewHTTP2(w http.ResponseWriter, r *http.Request) *HTTP2 {
	return &HTTP2{base: newBase(w, r)}
}

// Protocol implements Exchange.
func (*HTTP2) Protocol() string { return "http2" }

// Pending implements Exchange.
func (h *HTTP2) Pending() []string {
	return gateway.SetCookieValues(h.pending)
}

// SetCookies implements gateway.Exchange.
func (h *HTTP2) SetCookies(cookies []*http.Cookie) {
	h.pending = append(h.pending, cookies...)
}

func (h *HTTP2) flush() {
	h.answered = true
	for _, v := range h.Pending() {
		h.w.Header().Add("Set-Cookie", v)
	}
	h.pending = nil
}

// Redirect implements gateway.Exchange.
func (h *HTTP2) Redirect(url string) {
	h.flush()
	WriteRedirect(h.w, url)
}

// SendError implements gateway.Exchange.
func (h *HTTP2) SendError(code int, message string) {
	h.flush()
	WriteError(h.w, h.r, code, message)
}

// SendJSON implements gateway.Exchange.
func (h *HTTP2) SendJSON(code int, v any) {
	h.flush()
	WriteJSON(h.w, code, v)
}

// WebSocket rejects upgrades with a bare status and no body. Redirects
// cannot be followed during a handshake and are answered with 401.
type WebSocket struct {
	base
	pending []*http.Cookie
}

// NewWebSocket adapts a WebSocket upgrade request.
func NewWebSocket(w http.ResponseWriter, r *http.Request) *WebSocket {
	return &WebSocket{base: newBase(w, r)}
}

// Protocol implements Exchange.
func (*WebSocket) Protocol() string { return "ws" }

// Pending implements Exchange.
func (s *WebSocket) Pending() []string {
	return gateway.SetCookieValues(s.pending)
}

// SetCookies implements gateway.Exchange.
func (s *WebSocket) SetCookies(cookies []*http.Cookie) {
	s.pending = append(s.pending, cookies...)
}

func (s *WebSocket) reject(code int) {
	s.answered = true
	s.w.WriteHeader(code)
}

// Redirect implements gateway.Exchange.
func (s *WebSocket) Redirect(string) {
	s.reject(http.StatusUnauthorized)
}

// SendError implements gateway.Exchange.
func (s *WebSocket) SendError(code int, _ string) {
	s.reject(code)
}

// SendJSON implements gateway.Exchange.
func (s *WebSocket) SendJSON(code int, _ any) {
	s.reject(code)
}
