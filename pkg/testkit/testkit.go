// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides test servers for exercising the gateway end to end:
//
//   - an identity provider that publishes a discovery document and a JWKS and
//     signs tokens with rotating RSA keys
//   - an upstream that echoes every request it receives as JSON and can
//     answer WebSocket upgrades
//
// Both servers are plain httptest servers and are closed through t.Cleanup.
package testkit

import (
	"encoding/json"
	"net/http"
)

// Echo is the body returned by the upstream for every non-WebSocket request.
type Echo struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Query   string      `json:"query"`
	Headers http.Header `json:"headers"`
}

// DecodeEcho reads an Echo from an upstream response body.
func DecodeEcho(resp *http.Response) (*Echo, error) {
	defer func() { _ = resp.Body.Close() }()
	var e Echo
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
