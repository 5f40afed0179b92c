// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stacklok/oidcgate/pkg/auth/token"
	"github.com/stacklok/oidcgate/pkg/mapping"
)

// restrictedHeaders may not be injected.
var restrictedHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Upgrade":           true,
	"Set-Cookie":        true,
	"Cookie":            true,
}

// HeaderInjection maps a header name to the values to set. A nil value
// removes the header.
type HeaderInjection map[string][]string

// UnmarshalJSON accepts a string, an array of strings or null per header.
func (h *HeaderInjection) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(HeaderInjection, len(raw))
	for name, value := range raw {
		canonical := http.CanonicalHeaderKey(name)
		if restrictedHeaders[canonical] {
			return fmt.Errorf("%w: header %s cannot be injected", ErrInvalidConfig, name)
		}

		var single string
		var multi []string
		switch {
		case string(value) == "null":
			out[canonical] = nil
		case json.Unmarshal(value, &single) == nil:
			out[canonical] = []string{single}
		case json.Unmarshal(value, &multi) == nil:
			out[canonical] = multi
		default:
			return fmt.Errorf("%w: header %s must be a string, an array of strings or null", ErrInvalidConfig, name)
		}
	}
	*h = out
	return nil
}

// Apply writes the injection onto header.
func (h HeaderInjection) Apply(header http.Header) {
	for name, values := range h {
		if values == nil {
			header.Del(name)
			continue
		}
		header[name] = append([]string(nil), values...)
	}
}

func parseHeaderInjection(value string) (HeaderInjection, error) {
	if strings.TrimSpace(value) == "" {
		return HeaderInjection{}, nil
	}
	var h HeaderInjection
	if err := json.Unmarshal([]byte(value), &h); err != nil {
		return nil, err
	}
	return h, nil
}

// Version identifies a snapshot. It decodes from a JSON string or number.
type Version string

// UnmarshalJSON implements json.Unmarshaler.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Version(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("version must be a string or a number: %w", err)
	}
	*v = Version(n.String())
	return nil
}

// RawMappings are the uncompiled mapping collections.
type RawMappings struct {
	Public []mapping.RawMapping `json:"public,omitempty"`
	API    []mapping.RawMapping `json:"api,omitempty"`
	Pages  []mapping.RawMapping `json:"pages,omitempty"`
	WS     []mapping.RawMapping `json:"ws,omitempty"`
}

// InjectedHeaders are headers added to upstream requests and to responses.
type InjectedHeaders struct {
	Request  HeaderInjection `json:"request,omitempty"`
	Response HeaderInjection `json:"response,omitempty"`
}

// RawSnapshot is the serialized dynamic configuration, as read from the
// environment or served by a remote configuration endpoint.
type RawSnapshot struct {
	Version         Version          `json:"version"`
	Mappings        RawMappings      `json:"mappings"`
	AuthClaimPaths  token.ClaimPaths `json:"authClaimPaths,omitempty"`
	ProxyClaimPaths token.ClaimPaths `json:"proxyClaimPaths,omitempty"`
	Headers         InjectedHeaders  `json:"headers,omitempty"`
}

// Snapshot is a compiled, immutable dynamic configuration.
type Snapshot struct {
	Version         string
	Mappings        mapping.Collections
	AuthClaimPaths  token.ClaimPaths
	ProxyClaimPaths token.ClaimPaths
	Headers         InjectedHeaders
}

// Compile validates r and compiles its mappings.
func (r RawSnapshot) Compile() (*Snapshot, error) {
	s := &Snapshot{
		Version:         string(r.Version),
		AuthClaimPaths:  r.AuthClaimPaths,
		ProxyClaimPaths: r.ProxyClaimPaths,
		Headers:         r.Headers,
	}
	if s.AuthClaimPaths == nil {
		s.AuthClaimPaths = token.ClaimPaths{}
	}
	if s.ProxyClaimPaths == nil {
		s.ProxyClaimPaths = token.ClaimPaths{}
	}

	for name, c := range map[string]struct {
		raw []mapping.RawMapping
		dst *[]*mapping.Mapping
	}{
		"public": {r.Mappings.Public, &s.Mappings.Public},
		"api":    {r.Mappings.API, &s.Mappings.API},
		"pages":  {r.Mappings.Pages, &s.Mappings.Pages},
		"ws":     {r.Mappings.WS, &s.Mappings.WS},
	} {
		compiled, err := mapping.Compile(c.raw)
		if err != nil {
			return nil, fmt.Errorf("%s mappings: %w", name, err)
		}
		*c.dst = compiled
	}

	// public mappings never require authentication
	for _, m := range s.Mappings.Public {
		m.Auth.Required = false
	}
	return s, nil
}

// Store holds the current Snapshot. Readers always see a complete snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(*Snapshot)
}

// NewStore creates a store holding initial.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap replaces the current snapshot and returns the previous one.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	prev := s.current.Swap(next)

	s.mu.Lock()
	listeners := append([]func(*Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
	return prev
}

// OnSwap registers fn to be called after every Swap.
func (s *Store) OnSwap(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
