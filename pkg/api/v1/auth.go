// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcgate/pkg/gateway"
	"github.com/stacklok/oidcgate/pkg/gateway/transport"
	"github.com/stacklok/oidcgate/pkg/logger"
	"github.com/stacklok/oidcgate/pkg/oidc"
	"github.com/stacklok/oidcgate/pkg/webhook"
)

func (rt *Routes) login(w http.ResponseWriter, r *http.Request) error {
	ex := transport.New(w, r)
	if redirectTo := r.URL.Query().Get("redirectTo"); redirectTo != "" {
		ex.SetCookies(rt.cookies.Invalidate(rt.cookies.OriginalPath(redirectTo)))
	} else {
		ex.SetCookies(rt.cookies.Invalidate())
	}
	ex.Redirect(rt.client.AuthorizationURL())
	return nil
}

func (rt *Routes) logout(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	ex := transport.New(w, r)
	cookies := ex.Cookies()
	names := rt.cookies.Names()

	rc := gateway.NewRequestContext(rt.store.Load())
	rt.flow.LoadMeta(ex, rc)
	ex.SetCookies(rt.cookies.Invalidate())

	idToken := usable(cookies[names.IDToken])
	if rt.logoutHook != nil {
		logger.FromContext(ctx).Info("calling logout webhook")
		err := rt.logoutHook.Logout(ctx, &webhook.LogoutRequest{
			Tokens: webhook.LogoutTokens{
				AccessToken: usable(cookies[names.AccessToken]),
				IDToken:     idToken,
			},
			Meta: rc.Meta,
		})
		if err != nil {
			flushPending(w, ex)
			return err
		}
	}

	target := rt.client.EndSessionURL(rt.hostURL, idToken)
	if target == "" {
		target = rt.hostURL + "/"
	}
	ex.Redirect(target)
	return nil
}

func (rt *Routes) callback(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	ex := transport.New(w, r)

	code := r.URL.Query().Get("code")
	if code == "" {
		return httperr.WithCode(oidc.ErrMissingCode, http.StatusBadRequest)
	}
	tokens, err := rt.client.Exchange(ctx, code)
	if err != nil {
		return httperr.WithCode(fmt.Errorf("failed to exchange authorization code: %w", err), http.StatusInternalServerError)
	}

	originalPath := usable(ex.Cookies()[rt.cookies.Names().OriginalPath])
	if originalPath == "" {
		originalPath = "/"
	}
	redirectTo := rt.hostURL + originalPath

	var metaToken string
	if rt.loginHook != nil {
		log.Info("calling login webhook")
		result, err := rt.loginHook.Login(ctx, &webhook.LoginRequest{
			Tokens:       hookTokens(tokens),
			OriginalPath: originalPath,
		})
		if err != nil {
			return err
		}

		if result.Refresh {
			if tokens, err = rt.refresher.Refresh(ctx, tokens.RefreshToken); err != nil {
				return httperr.WithCode(fmt.Errorf("failed to refresh tokens after login: %w", err), http.StatusInternalServerError)
			}
		}

		if result.Reject {
			log.Info("login webhook rejected the request", "reason", result.Reason)
			if rt.redirects.E403 != "" {
				ex.Redirect(rt.redirects.E403)
				return nil
			}
			reason := result.Reason
			if reason == "" {
				reason = "Forbidden"
			}
			ex.SendError(http.StatusForbidden, reason)
			return nil
		}

		if result.Meta != nil {
			if metaToken, err = rt.meta.Sign(result.Meta); err != nil {
				return httperr.WithCode(err, http.StatusInternalServerError)
			}
		}

		if result.RedirectTo != "" {
			redirectTo = absoluteRedirect(rt.hostURL, result.RedirectTo)
		}
	}

	ex.SetCookies(rt.cookies.Auth(tokens, metaToken))
	ex.Redirect(redirectTo)
	return nil
}

// absoluteRedirect prefixes relative webhook redirects with the host URL.
func absoluteRedirect(hostURL, target string) string {
	if strings.Contains(target, "http") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return hostURL + target
}

func hookTokens(tokens *oidc.TokenSet) webhook.Tokens {
	out := webhook.Tokens{
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
	}
	if !tokens.ExpiresAt.IsZero() {
		out.ExpiresAt = tokens.ExpiresAt.Unix()
	}
	return out
}

// usable drops invalidated cookie values.
func usable(value string) string {
	if value == gateway.InvalidCookieValue {
		return ""
	}
	return value
}

// flushPending writes cookies an exchange has not sent yet, so they reach
// the client with an error response.
func flushPending(w http.ResponseWriter, ex transport.Exchange) {
	for _, v := range ex.Pending() {
		w.Header().Add("Set-Cookie", v)
	}
}
