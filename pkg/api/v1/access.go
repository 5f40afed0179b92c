// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcgate/pkg/auth/access"
	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/gateway"
	"github.com/stacklok/oidcgate/pkg/gateway/transport"
	"github.com/stacklok/oidcgate/pkg/mapping"
)

const maxPermissionsBody = 1 << 20

// WhoamiResponse describes the caller.
type WhoamiResponse struct {
	Anonymous bool           `json:"anonymous"`
	Claims    WhoamiClaims   `json:"claims"`
	Meta      map[string]any `json:"meta"`
}

// WhoamiClaims are the caller's extracted claims.
type WhoamiClaims struct {
	Auth  token.AuthClaims `json:"auth"`
	Proxy token.RawClaims  `json:"proxy"`
}

// Resource is one entry of a permissions request or response.
type Resource struct {
	Path    string `json:"path"`
	Method  string `json:"method"`
	Allowed bool   `json:"allowed"`
}

// PermissionsResponse lists the evaluated resources.
type PermissionsResponse struct {
	Anonymous bool       `json:"anonymous"`
	Resources []Resource `json:"resources"`
}

// optional authenticates like a mapping that does not require auth.
var optional = &mapping.Mapping{
	Auth: mapping.Policy{Mode: mapping.ModeAny, Claims: map[string][]string{}},
}

// authenticate runs the flow for the gateway's own API endpoints. It
// returns nil when a response has already been written.
func (rt *Routes) authenticate(ex transport.Exchange) (*gateway.RequestContext, error) {
	rc := gateway.NewRequestContext(rt.store.Load())
	rc.Mapping, rc.Class = optional, mapping.ClassAPI

	rt.flow.LoadMeta(ex, rc)
	outcome, err := rt.flow.Authenticate(ex, rc)
	if err != nil {
		return nil, err
	}
	if outcome == gateway.Rejected {
		return nil, nil
	}
	return rc, nil
}

func (rt *Routes) whoami(w http.ResponseWriter, r *http.Request) error {
	ex := transport.New(w, r)
	rc, err := rt.authenticate(ex)
	if err != nil || rc == nil {
		return err
	}

	tokens := []*token.JWT{rc.AccessJWT, rc.IDJWT}
	ex.SendJSON(http.StatusOK, WhoamiResponse{
		Anonymous: rc.Anonymous(),
		Claims: WhoamiClaims{
			Auth:  token.ExtractAuthClaims(tokens, rc.Snapshot.AuthClaimPaths),
			Proxy: token.ExtractRawClaims(tokens, rc.Snapshot.ProxyClaimPaths),
		},
		Meta: rc.Meta,
	})
	return nil
}

func (rt *Routes) permissions(w http.ResponseWriter, r *http.Request) error {
	ex := transport.New(w, r)
	rc, err := rt.authenticate(ex)
	if err != nil || rc == nil {
		return err
	}

	requested, err := readResources(http.MaxBytesReader(w, r.Body, maxPermissionsBody))
	if err != nil {
		flushPending(w, ex)
		return err
	}

	collections := rc.Snapshot.Mappings
	resources := make([]Resource, 0, len(requested))
	for _, res := range requested {
		allowed := false
		if mapping.Find(collections.Public, res.Method, res.Path) != nil {
			allowed = true
		} else if m := findProtected(collections, res.Method, res.Path); m != nil {
			engine := access.NewEngine(rc.Snapshot.AuthClaimPaths, rc.Snapshot.ProxyClaimPaths,
				gateway.PolicyOptions(m)...)
			allowed = engine.Allowed(rc.AccessJWT, rc.IDJWT, m)
		}
		resources = append(resources, Resource{Path: res.Path, Method: res.Method, Allowed: allowed})
	}

	ex.SendJSON(http.StatusOK, PermissionsResponse{Anonymous: rc.Anonymous(), Resources: resources})
	return nil
}

func findProtected(c mapping.Collections, method, path string) *mapping.Mapping {
	if m := mapping.Find(c.API, method, path); m != nil {
		return m
	}
	return mapping.Find(c.Pages, method, path)
}

func badRequest(message string) error {
	return httperr.WithCode(errors.New(message), http.StatusBadRequest)
}

func readResources(body io.Reader) ([]Resource, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, httperr.WithCode(fmt.Errorf("failed to read body: %w", err), http.StatusBadRequest)
	}

	var decoded any
	if len(raw) == 0 || json.Unmarshal(raw, &decoded) != nil || decoded == nil {
		return nil, badRequest("body is missing")
	}
	items, ok := decoded.([]any)
	if !ok {
		return nil, badRequest("body is not an array")
	}

	out := make([]Resource, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok || fields == nil {
			return nil, badRequest("one of the body array elements is missing")
		}
		path, _ := fields["path"].(string)
		if path == "" {
			return nil, badRequest(`one of the body array elements is missing "path" property`)
		}
		method, _ := fields["method"].(string)
		if method == "" {
			return nil, badRequest(`one of the body array elements is missing "method" property`)
		}
		out = append(out, Resource{Path: path, Method: method})
	}
	return out, nil
}
