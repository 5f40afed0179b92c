// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mapping compiles route rules from configuration and resolves a
// request method and path to the first rule that matches it.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidMapping is returned for any mapping that cannot be compiled.
var ErrInvalidMapping = errors.New("invalid mapping")

// Mode selects how multiple claim sets of a policy are combined.
type Mode string

const (
	// ModeAny allows access when any claim set intersects.
	ModeAny Mode = "ANY"
	// ModeAll is accepted in configuration but evaluated like ModeAny.
	ModeAll Mode = "ALL"
)

// Rule is a pattern with an optional method filter.
type Rule struct {
	Pattern *regexp.Regexp
	// Methods are upper-cased. Empty means any method.
	Methods []string
}

// Matches reports whether the rule applies to method and path.
func (r Rule) Matches(method, path string) bool {
	if len(r.Methods) > 0 && !slices.Contains(r.Methods, method) {
		return false
	}
	return r.Pattern.MatchString(path)
}

// Policy is the authentication requirement attached to a mapping.
type Policy struct {
	Required bool
	Mode     Mode
	Claims   map[string][]string
}

// Mapping is a compiled route rule. It is immutable once compiled.
type Mapping struct {
	Rule
	Exclude []Rule
	Auth    Policy
}

// Matches reports whether m applies to method and path, honouring its
// exclusion rules.
func (m *Mapping) Matches(method, path string) bool {
	if !m.Rule.Matches(method, path) {
		return false
	}
	for _, ex := range m.Exclude {
		if ex.Matches(method, path) {
			return false
		}
	}
	return true
}

// String renders the mapping for logs.
func (m *Mapping) String() string {
	return fmt.Sprintf("%s %v required=%t", m.Pattern, m.Methods, m.Auth.Required)
}

// RawRule is the configuration form of a rule.
type RawRule struct {
	Pattern string   `json:"pattern" yaml:"pattern"`
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// RawPolicy is the configuration form of a policy. Required is a pointer so
// that an omitted value can default to true.
type RawPolicy struct {
	Required *bool               `json:"required,omitempty" yaml:"required,omitempty"`
	Mode     string              `json:"mode,omitempty" yaml:"mode,omitempty"`
	Claims   map[string][]string `json:"claims,omitempty" yaml:"claims,omitempty"`
}

// RawMapping is the configuration form of a mapping.
type RawMapping struct {
	RawRule
	Exclude []RawRule  `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Auth    *RawPolicy `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// PreparePattern anchors pattern at both ends and compiles it case-insensitively.
func PreparePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidMapping)
	}
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidMapping, pattern, err)
	}
	return re, nil
}

func compileRule(raw RawRule) (Rule, error) {
	re, err := PreparePattern(raw.Pattern)
	if err != nil {
		return Rule{}, err
	}
	var methods []string
	for _, m := range raw.Methods {
		methods = append(methods, strings.ToUpper(m))
	}
	return Rule{Pattern: re, Methods: methods}, nil
}

func compilePolicy(raw *RawPolicy) (Policy, error) {
	// no auth block at all means an open route
	if raw == nil {
		return Policy{Mode: ModeAny, Claims: map[string][]string{}}, nil
	}

	p := Policy{
		Required: raw.Required == nil || *raw.Required,
		Mode:     Mode(strings.ToUpper(raw.Mode)),
		Claims:   raw.Claims,
	}
	if p.Mode == "" {
		p.Mode = ModeAny
	}
	if p.Mode != ModeAny && p.Mode != ModeAll {
		return Policy{}, fmt.Errorf("%w: unknown auth mode %q", ErrInvalidMapping, raw.Mode)
	}
	if p.Claims == nil {
		p.Claims = map[string][]string{}
	}
	if p.Required && len(p.Claims) == 0 {
		return Policy{}, fmt.Errorf("%w: auth is required but no claims are configured", ErrInvalidMapping)
	}
	return p, nil
}

// Compile turns raw mappings into matchable ones, preserving order.
func Compile(raw []RawMapping) ([]*Mapping, error) {
	result := make([]*Mapping, 0, len(raw))
	for i, r := range raw {
		rule, err := compileRule(r.RawRule)
		if err != nil {
			return nil, fmt.Errorf("mapping %d: %w", i, err)
		}

		m := &Mapping{Rule: rule}
		for _, ex := range r.Exclude {
			exRule, err := compileRule(ex)
			if err != nil {
				return nil, fmt.Errorf("mapping %d exclude: %w", i, err)
			}
			m.Exclude = append(m.Exclude, exRule)
		}

		if m.Auth, err = compilePolicy(r.Auth); err != nil {
			return nil, fmt.Errorf("mapping %d (%s): %w", i, r.Pattern, err)
		}
		if m.Auth.Mode == ModeAll {
			slog.Warn("auth mode ALL is evaluated with ANY semantics", "pattern", r.Pattern)
		}

		result = append(result, m)
	}
	return result, nil
}

// Parse decodes a JSON array of mappings and compiles it. Empty input
// yields no mappings.
func Parse(value string) ([]*Mapping, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var raw []RawMapping
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, fmt.Errorf("%w: unable to parse json, array expected: %v", ErrInvalidMapping, err)
	}
	return Compile(raw)
}

// Find returns the first mapping that matches method and path, or nil.
func Find(mappings []*Mapping, method, path string) *Mapping {
	for _, m := range mappings {
		if m.Matches(method, path) {
			return m
		}
	}
	return nil
}
