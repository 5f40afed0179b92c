// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the gateway from its configuration and serves it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	v1 "github.com/stacklok/oidcgate/pkg/api/v1"
	"github.com/stacklok/oidcgate/pkg/auth/refresh"
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/config"
	"github.com/stacklok/oidcgate/pkg/gateway"
	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/networking"
	"github.com/stacklok/oidcgate/pkg/oidc"
	"github.com/stacklok/oidcgate/pkg/proxy"
	"github.com/stacklok/oidcgate/pkg/telemetry"
	"github.com/stacklok/oidcgate/pkg/webhook"
)

// Not sure if these values need to be configurable.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	metricsPath       = "/metrics"
)

// Gateway is the assembled request pipeline.
type Gateway struct {
	Handler http.Handler
	Store   *config.Store
	// Poller is nil when remote configuration is disabled.
	Poller *config.Poller

	closers []func(context.Context) error
}

// Options tune how a Gateway is built.
type Options struct {
	// Version is reported as the service version in metrics.
	Version string
	// HTTPClient is used for discovery, JWKS, webhooks and remote
	// configuration.
	HTTPClient *http.Client
	// Client replaces provider discovery when set.
	Client oidc.Client
}

// Build wires every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	gw := &Gateway{}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		built, err := outboundClient(cfg.Outbound).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build outbound HTTP client: %w", err)
		}
		httpClient = built
	}

	client := opts.Client
	if client == nil {
		discovered, err := oidc.NewClient(ctx, oidc.Config{
			DiscoveryURL: cfg.OpenID.DiscoverURL,
			ClientID:     cfg.OpenID.ClientID,
			ClientSecret: cfg.OpenID.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       cfg.OpenID.Scopes,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		client = discovered
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           "oidcgate",
		ServiceVersion:        opts.Version,
		Enabled:               cfg.MetricsEnabled,
		IncludeRuntimeMetrics: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics provider: %w", err)
	}
	gw.closers = append(gw.closers, provider.Shutdown)

	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		return nil, err
	}

	keys, err := token.NewJWKS(ctx, client.JWKSURL(), httpClient,
		token.WithRefetchLimit(cfg.JWKS.RefetchInterval, cfg.JWKS.RefetchBurst))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	verifier := token.NewVerifier(client.Issuer(), keys, token.WithResultObserver(metrics.RecordVerification))

	refreshOpts := []refresh.Option{refresh.WithResultObserver(metrics.RecordRefresh)}
	if cfg.RedisURL != "" {
		store, err := refresh.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			logger.Warnf("Redis is not reachable yet, refreshes fall back to local coordination: %v", err)
		}
		gw.closers = append(gw.closers, func(context.Context) error { return store.Close() })
		refreshOpts = append(refreshOpts, refresh.WithSharedStore(store))
	}
	coordinator := refresh.NewCoordinator(client, refreshOpts...)

	cookies := gateway.NewCookies(cfg.Cookies, cfg.CookieDomain())
	meta := token.NewMetaSigner(cfg.MetaTokenSecret)
	flow := gateway.NewFlow(gateway.FlowConfig{
		Verifier:   verifier,
		Refresher:  coordinator,
		Authorizer: client,
		Cookies:    cookies,
		Meta:       meta,
		Redirects:  cfg.Redirects,
	})

	upstream, err := proxy.New(proxy.Config{
		UpstreamURL:         cfg.UpstreamURL,
		Timeout:             cfg.ProxyRequestTimeout,
		Headers:             gateway.NewHeaders(cfg.Headers, cfg.Cookies.ProxyToUpstream, cookies),
		ConfigVersionHeader: cfg.Headers.ConfigVersion,
		Redirects:           cfg.Redirects,
	})
	if err != nil {
		return nil, err
	}

	gw.Store = config.NewStore(cfg.Snapshot)
	gw.Store.OnSwap(func(s *config.Snapshot) {
		logger.Infow("Configuration updated", "version", s.Version)
	})
	if cfg.Remote.Endpoint != "" {
		remoteClient := httpClient
		if cfg.Remote.TokenFile != "" {
			if remoteClient, err = outboundClient(cfg.Outbound).WithTokenFromFile(cfg.Remote.TokenFile).Build(); err != nil {
				return nil, fmt.Errorf("failed to build remote configuration client: %w", err)
			}
		}
		gw.Poller = config.NewPoller(gw.Store, remoteClient, cfg.Remote)
	}

	routesCfg := v1.RoutesConfig{
		HostURL:   cfg.HostURL,
		Store:     gw.Store,
		Flow:      flow,
		Client:    client,
		Refresher: coordinator,
		Meta:      meta,
		Proxy:     upstream,
		Metrics:   metrics,
		Redirects: cfg.Redirects,
	}
	if cfg.Webhooks.Login != "" {
		hook, err := webhook.NewClient(webhookConfig(cfg.Webhooks.Login, cfg.Webhooks.Secret), httpClient)
		if err != nil {
			return nil, fmt.Errorf("login webhook: %w", err)
		}
		routesCfg.LoginHook = hook
	}
	if cfg.Webhooks.Logout != "" {
		hook, err := webhook.NewClient(webhookConfig(cfg.Webhooks.Logout, cfg.Webhooks.Secret), httpClient)
		if err != nil {
			return nil, fmt.Errorf("logout webhook: %w", err)
		}
		routesCfg.LogoutHook = hook
	}

	gw.Handler = NewRouter(v1.NewRoutes(routesCfg), cfg.Paths, provider.Handler())
	return gw, nil
}

func outboundClient(cfg config.Outbound) *networking.HttpClientBuilder {
	return networking.NewHttpClientBuilder().
		WithCABundle(cfg.CABundle).
		WithTimeout(cfg.Timeout).
		WithInsecureHTTP(!cfg.HTTPSOnly).
		WithPrivateIPs(!cfg.BlockPrivateIPs)
}

func webhookConfig(url, secret string) webhook.Config {
	c := webhook.Config{URL: url}
	if secret != "" {
		c.HMACSecret = []byte(secret)
	}
	return c
}

// Close releases resources held by the gateway.
func (gw *Gateway) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range gw.closers {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// NewRouter mounts the gateway endpoints. Requests that match none of them
// go to the proxy handler. metricsHandler may be nil.
func NewRouter(routes *v1.Routes, paths config.Paths, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		logger.Middleware,
		middleware.Recoverer,
	)

	r.Get(paths.Health, routes.Health)
	r.Get(paths.Login, routes.Login())
	r.Get(paths.Logout, routes.Logout())
	r.Get(paths.Callback, routes.Callback())
	if paths.Whoami != "" {
		r.Get(paths.Whoami, routes.Whoami())
		r.Post(paths.Whoami, routes.Whoami())
	}
	if paths.Permissions != "" {
		r.Post(paths.Permissions, routes.Permissions())
	}
	if metricsHandler != nil {
		r.Method(http.MethodGet, metricsPath, metricsHandler)
	}

	r.NotFound(routes.Proxy())
	r.MethodNotAllowed(routes.Proxy())
	return r
}

// Serve builds the gateway and serves it until ctx is cancelled.
// It is assumed that the caller sets up appropriate signal handling.
func Serve(ctx context.Context, cfg *config.Config, opts Options) error {
	gw, err := Build(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warnf("failed to release gateway resources: %v", err)
		}
	}()

	address := net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return Run(ctx, gw, listener, cfg.TLSCertFile, cfg.TLSKeyFile)
}

// Run serves gw on listener together with the remote configuration
// poller. With a certificate HTTP/2 is negotiated over TLS, otherwise
// HTTP/2 is accepted in cleartext (h2c).
func Run(ctx context.Context, gw *Gateway, listener net.Listener, certFile, keyFile string) error {
	useTLS := certFile != ""

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           gw.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if useTLS {
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	} else {
		srv.Handler = h2c.NewHandler(gw.Handler, &http2.Server{})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("starting gateway", "address", listener.Addr().String(), "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ServeTLS(listener, certFile, keyFile)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	})

	if gw.Poller != nil {
		g.Go(func() error {
			return gw.Poller.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("gateway stopped")
		return nil
	})

	return g.Wait()
}
