// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ClaimPaths maps a claim-set name to the object keys leading to its value
// in a token payload, e.g. {"realm": ["realm_access", "roles"]}.
type ClaimPaths map[string][]string

// AuthClaims holds flattened string values per claim-set name.
type AuthClaims map[string][]string

// RawClaims holds the verbatim value per claim-set name.
type RawClaims map[string]any

// gjsonPath joins path segments, escaping characters gjson treats as syntax.
func gjsonPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = gjson.Escape(s)
	}
	return strings.Join(escaped, ".")
}

// resolve walks tokens in order and returns the first value found at path.
// Null, false, zero, empty strings and empty containers count as absent.
func resolve(tokens []*JWT, path string) (gjson.Result, bool) {
	for _, t := range tokens {
		if t == nil {
			continue
		}
		r := gjson.GetBytes(t.Payload(), path)
		if present(r) {
			return r, true
		}
	}
	return gjson.Result{}, false
}

func present(r gjson.Result) bool {
	if !r.Exists() {
		return false
	}
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.JSON:
		if r.IsArray() {
			return len(r.Array()) > 0
		}
		return len(r.Map()) > 0
	}
	return true
}

// ExtractAuthClaims resolves every configured path against tokens in
// priority order. Arrays are flattened and scalars wrapped; a path that
// resolves on no token yields an empty list.
func ExtractAuthClaims(tokens []*JWT, paths ClaimPaths) AuthClaims {
	result := make(AuthClaims, len(paths))
	for name, segments := range paths {
		values := []string{}
		if r, ok := resolve(tokens, gjsonPath(segments)); ok {
			if r.IsArray() {
				for _, item := range r.Array() {
					values = append(values, item.String())
				}
			} else {
				values = append(values, r.String())
			}
		}
		result[name] = values
	}
	return result
}

// ExtractRawClaims is ExtractAuthClaims without flattening: the resolved
// value is kept as decoded JSON. Names that resolve on no token are omitted.
func ExtractRawClaims(tokens []*JWT, paths ClaimPaths) RawClaims {
	result := make(RawClaims, len(paths))
	for name, segments := range paths {
		if r, ok := resolve(tokens, gjsonPath(segments)); ok {
			result[name] = r.Value()
		}
	}
	return result
}
