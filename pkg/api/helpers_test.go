// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import "github.com/stacklok/oidcgate/pkg/auth/token"

func newMetaSigner() *token.MetaSigner {
	return token.NewMetaSigner("meta-secret")
}
