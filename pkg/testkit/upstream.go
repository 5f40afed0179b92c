// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
)

// Upstream echoes requests back as JSON. WebSocket upgrades are accepted and
// every message is echoed back on the same connection.
type Upstream struct {
	Server *httptest.Server

	setCookies []string
	upgrader   websocket.Upgrader
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithSetCookies makes the upstream answer with the given Set-Cookie values.
func WithSetCookies(values ...string) UpstreamOption {
	return func(u *Upstream) {
		u.setCookies = values
	}
}

// NewUpstream starts an echo upstream.
func NewUpstream(t testing.TB, opts ...UpstreamOption) *Upstream {
	t.Helper()

	u := &Upstream{}
	for _, opt := range opts {
		opt(u)
	}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Server.Close)
	return u
}

// URL returns the upstream base URL.
func (u *Upstream) URL() string {
	return u.Server.URL
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		u.echoWebSocket(w, r)
		return
	}

	for _, c := range u.setCookies {
		w.Header().Add("Set-Cookie", c)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Echo{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: r.Header,
	})
}

func (u *Upstream) echoWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}
