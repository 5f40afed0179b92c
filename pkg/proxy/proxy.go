// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy forwards authorized requests, including WebSocket
// upgrades, to the upstream service.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/gateway"
	"github.com/stacklok/oidcgate/pkg/gateway/transport"
	"github.com/stacklok/oidcgate/pkg/logger"
)

// Config configures a Proxy.
type Config struct {
	// UpstreamURL is the base URL requests are forwarded to.
	UpstreamURL string
	// Timeout bounds the wait for upstream response headers. Zero means
	// no limit.
	Timeout time.Duration
	// Headers projects the request context onto upstream request headers.
	Headers *gateway.Headers
	// ConfigVersionHeader, when set, names the response header carrying
	// the configuration version.
	ConfigVersionHeader string
	Redirects           config.Redirects
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
}

// Proxy is a reverse proxy aware of the gateway request context.
type Proxy struct {
	rp            *httputil.ReverseProxy
	headers       *gateway.Headers
	versionHeader string
	redirects     config.Redirects
}

type exchangeKey struct{}

// New creates a Proxy.
func New(cfg Config) (*Proxy, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream URL must be absolute: %q", cfg.UpstreamURL)
	}

	p := &Proxy{
		headers:       cfg.Headers,
		versionHeader: cfg.ConfigVersionHeader,
		redirects:     cfg.Redirects,
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.FlushInterval = -1

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)

		if rc, ok := gateway.FromContext(req.Context()); ok && p.headers != nil {
			p.headers.Forward(rc, req.Header)
		}
		otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	}

	rp.Transport = cfg.Transport
	if rp.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.Timeout
		rp.Transport = t
	}

	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = p.handleError
	p.rp = rp
	return p, nil
}

// Forward sends r upstream on behalf of ex. The request context must
// carry the gateway.RequestContext the flow produced.
func (p *Proxy) Forward(ex transport.Exchange, w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), exchangeKey{}, ex)
	p.rp.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	ctx := resp.Request.Context()

	if ex, ok := ctx.Value(exchangeKey{}).(transport.Exchange); ok {
		gateway.MergeSetCookie(resp.Header, ex.Pending())
	}

	if rc, ok := gateway.FromContext(ctx); ok && rc.Snapshot != nil {
		if p.versionHeader != "" {
			resp.Header.Set(p.versionHeader, rc.Snapshot.Version)
		}
		rc.Snapshot.Headers.Response.Apply(resp.Header)
	}
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code, message, redirect := http.StatusInternalServerError, "Unexpected error occurred", p.redirects.E500
	if errors.Is(err, syscall.ECONNREFUSED) {
		code, message, redirect = http.StatusServiceUnavailable, "Service Unavailable", p.redirects.E503
	}

	logger.FromContext(r.Context()).Error("upstream request failed", "error", err, "status", code)

	ex, ok := r.Context().Value(exchangeKey{}).(transport.Exchange)
	if !ok {
		ex = transport.New(w, r)
	}
	if redirect != "" {
		ex.Redirect(redirect)
		return
	}
	ex.SendError(code, message)
}
