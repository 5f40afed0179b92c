// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stacklok/oidcgate/pkg/config"
)

// Headers projects a request context onto the headers sent upstream.
type Headers struct {
	names   config.Headers
	proxy   bool
	cookies *Cookies
}

// NewHeaders creates a projector. When proxyCookies is set the inbound
// Cookie header is forwarded untouched.
func NewHeaders(names config.Headers, proxyCookies bool, cookies *Cookies) *Headers {
	return &Headers{names: names, proxy: proxyCookies, cookies: cookies}
}

// Forward rewrites out, the header of the upstream request, for rc.
// Claim and meta headers are only written for authenticated routes and
// are removed otherwise so clients cannot supply them.
func (h *Headers) Forward(rc *RequestContext, out http.Header) {
	for _, name := range []string{h.names.ClaimsAll, h.names.ClaimsMatching, h.names.ClaimsProxy, h.names.Meta} {
		if name != "" {
			out.Del(name)
		}
	}

	if rc.Decision != nil {
		setJSON(out, h.names.ClaimsAll, rc.Decision.Auth.All)
		setJSON(out, h.names.ClaimsMatching, rc.Decision.Auth.Matching)
		setJSON(out, h.names.ClaimsProxy, rc.Decision.Proxy)
	}
	if rc.Meta != nil {
		setJSON(out, h.names.Meta, rc.Meta)
	}

	h.forwardCookies(out)

	if rc.Snapshot != nil {
		rc.Snapshot.Headers.Request.Apply(out)
	}
}

func (h *Headers) forwardCookies(out http.Header) {
	switch {
	case h.names.Cookie != "":
		out.Set("Cookie", h.names.Cookie)
	case h.proxy:
	default:
		var kept []string
		for _, line := range out.Values("Cookie") {
			for _, pair := range strings.Split(line, ";") {
				pair = strings.TrimSpace(pair)
				if pair == "" {
					continue
				}
				name, _, _ := strings.Cut(pair, "=")
				if !h.cookies.Owned(strings.TrimSpace(name)) {
					kept = append(kept, pair)
				}
			}
		}
		if len(kept) == 0 {
			out.Del("Cookie")
			return
		}
		out.Set("Cookie", strings.Join(kept, "; "))
	}
}

func setJSON(out http.Header, name string, v any) {
	if name == "" {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		raw = []byte("{}")
	}
	out.Set(name, string(raw))
}

// MergeSetCookie prepends the gateway's Set-Cookie values to those of an
// upstream response. Neither side overwrites the other.
func MergeSetCookie(resp http.Header, gateway []string) {
	if len(gateway) == 0 {
		return
	}
	merged := make([]string, 0, len(gateway)+len(resp.Values("Set-Cookie")))
	merged = append(merged, gateway...)
	merged = append(merged, resp.Values("Set-Cookie")...)
	resp["Set-Cookie"] = merged
}

// SetCookieValues serializes cookies for a Set-Cookie header.
func SetCookieValues(cookies []*http.Cookie) []string {
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if v := c.String(); v != "" {
			out = append(out, v)
		}
	}
	return out
}
