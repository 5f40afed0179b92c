// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway configuration from viper and holds the
// hot-swappable part of it behind an atomic snapshot.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/mapping"
)

// ErrInvalidConfig is returned for configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Configuration keys. Environment variables are the upper-cased key with
// dots replaced by underscores.
const (
	KeyPort                = "port"
	KeyHostname            = "hostname"
	KeyUpstreamURL         = "upstream.url"
	KeyProxyRequestTimeout = "proxy.request.timeout"
	KeyHostURL             = "host.url"

	KeyOpenIDDiscoverURL  = "openid.connect.discover.url"
	KeyOpenIDClientID     = "openid.client.id"
	KeyOpenIDClientSecret = "openid.client.secret"
	KeyOpenIDScope        = "openid.scope"
	KeyOpenIDCallbackPath = "openid.callback.path"

	KeyHealthPath      = "health.path"
	KeyLoginPath       = "login.path"
	KeyLogoutPath      = "logout.path"
	KeyWhoamiPath      = "whoami.path"
	KeyPermissionsPath = "permissions.path"

	KeyCookiesSecure          = "cookies.secure"
	KeyCookiesProxyToUpstream = "cookies.proxy.to.upstream"
	KeyCookieAccessToken      = "cookies.access.token"
	KeyCookieIDToken          = "cookies.id.token"
	KeyCookieRefreshToken     = "cookies.refresh.token"
	KeyCookieOriginalPath     = "cookies.original.path"
	KeyCookieMeta             = "cookies.meta"

	KeyHeaderClaimsAll      = "headers.claims.auth.all"
	KeyHeaderClaimsMatching = "headers.claims.auth.matching"
	KeyHeaderClaimsProxy    = "headers.claims.proxy"
	KeyHeaderMeta           = "headers.meta"
	KeyHeaderConfigVersion  = "headers.config.version"
	KeyHeaderCookie         = "headers.cookie"
	KeyHeaderInjectRequest  = "headers.inject.request"
	KeyHeaderInjectResponse = "headers.inject.response"

	KeyMappingsPublic = "mappings.public"
	KeyMappingsAPI    = "mappings.api"
	KeyMappingsPages  = "mappings.pages"
	KeyMappingsWS     = "mappings.ws"

	KeyAuthClaimPaths  = "jwt.auth.claim.paths"
	KeyProxyClaimPaths = "jwt.proxy.claim.paths"
	KeyMetaTokenSecret = "jwt.meta.token.secret"

	KeyJWKSRefetchInterval = "jwks.refetch.interval"
	KeyJWKSRefetchBurst    = "jwks.refetch.burst"

	KeyRedirect403 = "redirect.page.request.on.403"
	KeyRedirect404 = "redirect.page.request.on.404"
	KeyRedirect500 = "redirect.page.request.on.500"
	KeyRedirect503 = "redirect.page.request.on.503"

	KeyWebhookLogin  = "webhook.login.url"
	KeyWebhookLogout = "webhook.logout.url"
	KeyWebhookSecret = "webhook.hmac.secret"

	KeyRemoteEndpoint  = "remote.config.endpoint"
	KeyRemoteInterval  = "remote.config.interval"
	KeyRemoteToken     = "remote.config.token"
	KeyRemoteTokenFile = "remote.config.token.file"

	KeyOutboundCABundle  = "http.client.ca.bundle"
	KeyOutboundTimeout   = "http.client.timeout"
	KeyOutboundHTTPSOnly = "http.client.https.only"
	KeyOutboundNoPrivate = "http.client.block.private.ips"

	KeyRedisURL       = "redis.url"
	KeyMetricsEnabled = "metrics.enabled"
	KeyTLSCertFile    = "tls.cert.file"
	KeyTLSKeyFile     = "tls.key.file"
)

// Paths are the gateway's own endpoints.
type Paths struct {
	Health      string
	Login       string
	Logout      string
	Callback    string
	Whoami      string
	Permissions string
}

// CookieNames are the names of the gateway's cookies.
type CookieNames struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	OriginalPath string
	Meta         string
}

// Cookies configures the gateway's cookies.
type Cookies struct {
	Secure bool
	// ProxyToUpstream forwards the inbound Cookie header untouched.
	ProxyToUpstream bool
	Names           CookieNames
}

// Headers names the headers the gateway adds. Empty names are not sent.
type Headers struct {
	ClaimsAll      string
	ClaimsMatching string
	ClaimsProxy    string
	Meta           string
	ConfigVersion  string
	// Cookie replaces the upstream Cookie header verbatim when set.
	Cookie string
}

// Redirects are optional page-request redirect targets per status code.
type Redirects struct {
	E403 string
	E404 string
	E500 string
	E503 string
}

// ForStatus returns the redirect configured for code, if any.
func (r Redirects) ForStatus(code int) string {
	switch code {
	case http.StatusForbidden:
		return r.E403
	case http.StatusNotFound:
		return r.E404
	case http.StatusInternalServerError:
		return r.E500
	case http.StatusServiceUnavailable:
		return r.E503
	}
	return ""
}

// OpenID configures the identity provider client.
type OpenID struct {
	DiscoverURL  string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Webhooks are optional login and logout hook URLs.
type Webhooks struct {
	Login  string
	Logout string
	// Secret signs webhook payloads when set.
	Secret string
}

// JWKS limits refetches of the signing keys triggered by unknown key IDs.
// A zero interval disables the limit.
type JWKS struct {
	RefetchInterval time.Duration
	RefetchBurst    int
}

// Remote configures remote configuration polling.
type Remote struct {
	Endpoint string
	Interval time.Duration
	Token    string
	// TokenFile holds a bearer token and takes precedence over Token.
	TokenFile string
}

// Outbound configures the client used for the identity provider, webhooks
// and remote configuration.
type Outbound struct {
	CABundle        string
	Timeout         time.Duration
	HTTPSOnly       bool
	BlockPrivateIPs bool
}

// Config is the process configuration. Settings that may change at runtime
// live in Snapshot.
type Config struct {
	Port                int
	Hostname            string
	UpstreamURL         string
	ProxyRequestTimeout time.Duration
	HostURL             string

	OpenID    OpenID
	Paths     Paths
	Cookies   Cookies
	Headers   Headers
	Redirects Redirects
	Webhooks  Webhooks
	JWKS      JWKS
	Remote    Remote
	Outbound  Outbound

	MetaTokenSecret string
	RedisURL        string
	MetricsEnabled  bool
	TLSCertFile     string
	TLSKeyFile      string

	// Snapshot is the initial dynamic configuration.
	Snapshot *Snapshot
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 3000)
	v.SetDefault(KeyOpenIDScope, "openid email profile")
	v.SetDefault(KeyOpenIDCallbackPath, "/_prxi_/callback")
	v.SetDefault(KeyHealthPath, "/_prxi_/health")
	v.SetDefault(KeyLoginPath, "/_prxi_/login")
	v.SetDefault(KeyLogoutPath, "/_prxi_/logout")
	v.SetDefault(KeyCookiesSecure, true)
	v.SetDefault(KeyCookieAccessToken, "prxi-at")
	v.SetDefault(KeyCookieIDToken, "prxi-it")
	v.SetDefault(KeyCookieRefreshToken, "prxi-rt")
	v.SetDefault(KeyCookieOriginalPath, "prxi-op")
	v.SetDefault(KeyCookieMeta, "prxi-meta")
	v.SetDefault(KeyRemoteInterval, 30*time.Second)
	v.SetDefault(KeyJWKSRefetchInterval, 10*time.Second)
	v.SetDefault(KeyJWKSRefetchBurst, 1)
}

// NewViper returns a viper instance reading defaults and the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load builds and validates a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                v.GetInt(KeyPort),
		Hostname:            v.GetString(KeyHostname),
		UpstreamURL:         v.GetString(KeyUpstreamURL),
		ProxyRequestTimeout: v.GetDuration(KeyProxyRequestTimeout),
		HostURL:             strings.TrimSuffix(v.GetString(KeyHostURL), "/"),
		OpenID: OpenID{
			DiscoverURL:  v.GetString(KeyOpenIDDiscoverURL),
			ClientID:     v.GetString(KeyOpenIDClientID),
			ClientSecret: v.GetString(KeyOpenIDClientSecret),
			Scopes:       strings.Fields(v.GetString(KeyOpenIDScope)),
		},
		Paths: Paths{
			Health:      v.GetString(KeyHealthPath),
			Login:       v.GetString(KeyLoginPath),
			Logout:      v.GetString(KeyLogoutPath),
			Callback:    v.GetString(KeyOpenIDCallbackPath),
			Whoami:      v.GetString(KeyWhoamiPath),
			Permissions: v.GetString(KeyPermissionsPath),
		},
		Cookies: Cookies{
			Secure:          v.GetBool(KeyCookiesSecure),
			ProxyToUpstream: v.GetBool(KeyCookiesProxyToUpstream),
			Names: CookieNames{
				AccessToken:  v.GetString(KeyCookieAccessToken),
				IDToken:      v.GetString(KeyCookieIDToken),
				RefreshToken: v.GetString(KeyCookieRefreshToken),
				OriginalPath: v.GetString(KeyCookieOriginalPath),
				Meta:         v.GetString(KeyCookieMeta),
			},
		},
		Headers: Headers{
			ClaimsAll:      v.GetString(KeyHeaderClaimsAll),
			ClaimsMatching: v.GetString(KeyHeaderClaimsMatching),
			ClaimsProxy:    v.GetString(KeyHeaderClaimsProxy),
			Meta:           v.GetString(KeyHeaderMeta),
			ConfigVersion:  v.GetString(KeyHeaderConfigVersion),
			Cookie:         v.GetString(KeyHeaderCookie),
		},
		Redirects: Redirects{
			E403: v.GetString(KeyRedirect403),
			E404: v.GetString(KeyRedirect404),
			E500: v.GetString(KeyRedirect500),
			E503: v.GetString(KeyRedirect503),
		},
		Webhooks: Webhooks{
			Login:  v.GetString(KeyWebhookLogin),
			Logout: v.GetString(KeyWebhookLogout),
			Secret: v.GetString(KeyWebhookSecret),
		},
		JWKS: JWKS{
			RefetchInterval: v.GetDuration(KeyJWKSRefetchInterval),
			RefetchBurst:    v.GetInt(KeyJWKSRefetchBurst),
		},
		Remote: Remote{
			Endpoint:  v.GetString(KeyRemoteEndpoint),
			Interval:  v.GetDuration(KeyRemoteInterval),
			Token:     v.GetString(KeyRemoteToken),
			TokenFile: v.GetString(KeyRemoteTokenFile),
		},
		Outbound: Outbound{
			CABundle:        v.GetString(KeyOutboundCABundle),
			Timeout:         v.GetDuration(KeyOutboundTimeout),
			HTTPSOnly:       v.GetBool(KeyOutboundHTTPSOnly),
			BlockPrivateIPs: v.GetBool(KeyOutboundNoPrivate),
		},
		MetaTokenSecret: v.GetString(KeyMetaTokenSecret),
		RedisURL:        v.GetString(KeyRedisURL),
		MetricsEnabled:  v.GetBool(KeyMetricsEnabled),
		TLSCertFile:     v.GetString(KeyTLSCertFile),
		TLSKeyFile:      v.GetString(KeyTLSKeyFile),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	raw := RawSnapshot{Version: "0"}
	var err error
	if raw.Mappings, err = rawMappingsFromViper(v); err != nil {
		return nil, err
	}
	if raw.AuthClaimPaths, err = parseClaimPaths(v.GetString(KeyAuthClaimPaths)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyAuthClaimPaths, err)
	}
	if raw.ProxyClaimPaths, err = parseClaimPaths(v.GetString(KeyProxyClaimPaths)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyProxyClaimPaths, err)
	}
	if raw.Headers.Request, err = parseHeaderInjection(v.GetString(KeyHeaderInjectRequest)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyHeaderInjectRequest, err)
	}
	if raw.Headers.Response, err = parseHeaderInjection(v.GetString(KeyHeaderInjectResponse)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyHeaderInjectResponse, err)
	}

	if cfg.Snapshot, err = raw.Compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		KeyUpstreamURL:        c.UpstreamURL,
		KeyHostURL:            c.HostURL,
		KeyOpenIDDiscoverURL:  c.OpenID.DiscoverURL,
		KeyOpenIDClientID:     c.OpenID.ClientID,
		KeyCookieAccessToken:  c.Cookies.Names.AccessToken,
		KeyCookieIDToken:      c.Cookies.Names.IDToken,
		KeyCookieRefreshToken: c.Cookies.Names.RefreshToken,
		KeyCookieOriginalPath: c.Cookies.Names.OriginalPath,
		KeyCookieMeta:         c.Cookies.Names.Meta,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, key)
		}
	}

	for key, value := range map[string]string{KeyUpstreamURL: c.UpstreamURL, KeyHostURL: c.HostURL} {
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute URL", ErrInvalidConfig, key)
		}
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%w: %s and %s must be set together", ErrInvalidConfig, KeyTLSCertFile, KeyTLSKeyFile)
	}
	if c.JWKS.RefetchInterval < 0 || (c.JWKS.RefetchInterval > 0 && c.JWKS.RefetchBurst <= 0) {
		return fmt.Errorf("%w: %s must be positive when %s is set", ErrInvalidConfig, KeyJWKSRefetchBurst, KeyJWKSRefetchInterval)
	}
	if c.Remote.Endpoint != "" && c.Remote.Interval <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyRemoteInterval)
	}
	return nil
}

// RedirectURL is where the identity provider sends the browser back to.
func (c *Config) RedirectURL() string {
	return c.HostURL + c.Paths.Callback
}

// CookieDomain is the host of HostURL.
func (c *Config) CookieDomain() string {
	u, err := url.Parse(c.HostURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func rawMappingsFromViper(v *viper.Viper) (RawMappings, error) {
	var out RawMappings
	for key, dst := range map[string]*[]mapping.RawMapping{
		KeyMappingsPublic: &out.Public,
		KeyMappingsAPI:    &out.API,
		KeyMappingsPages:  &out.Pages,
		KeyMappingsWS:     &out.WS,
	} {
		value := strings.TrimSpace(v.GetString(key))
		if value == "" {
			continue
		}
		if err := json.Unmarshal([]byte(value), dst); err != nil {
			return RawMappings{}, fmt.Errorf("%s: %w: unable to parse json, array expected: %v",
				key, mapping.ErrInvalidMapping, err)
		}
	}
	return out, nil
}

func parseClaimPaths(value string) (token.ClaimPaths, error) {
	paths := token.ClaimPaths{}
	if strings.TrimSpace(value) == "" {
		return paths, nil
	}
	if err := json.Unmarshal([]byte(value), &paths); err != nil {
		return nil, fmt.Errorf("%w: claim paths must be an object of string arrays: %v", ErrInvalidConfig, err)
	}
	return paths, nil
}
