// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mapping

// Class is the route class a request was matched into.
type Class int

const (
	// ClassNone means no collection matched.
	ClassNone Class = iota
	// ClassPublic routes skip authentication entirely.
	ClassPublic
	// ClassAPI routes answer with status codes.
	ClassAPI
	// ClassPage routes answer with browser redirects.
	ClassPage
	// ClassWS routes are WebSocket upgrades.
	ClassWS
)

// String returns the class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassAPI:
		return "api"
	case ClassPage:
		return "page"
	case ClassWS:
		return "ws"
	case ClassNone:
		return "none"
	}
	return "unknown"
}

// Collections groups mappings by route class.
type Collections struct {
	Public []*Mapping
	API    []*Mapping
	Pages  []*Mapping
	WS     []*Mapping
}

// Classify looks the request up in public, api, pages and, for WebSocket
// upgrades, ws, in that order. The first collection with a match decides
// the class.
func (c *Collections) Classify(method, path string, websocket bool) (*Mapping, Class) {
	if m := Find(c.Public, method, path); m != nil {
		return m, ClassPublic
	}
	if m := Find(c.API, method, path); m != nil {
		return m, ClassAPI
	}
	if m := Find(c.Pages, method, path); m != nil {
		return m, ClassPage
	}
	if websocket {
		if m := Find(c.WS, method, path); m != nil {
			return m, ClassWS
		}
	}
	return nil, ClassNone
}
