// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/stacklok/oidcgate/pkg/networking"
)

// Headers set on signed webhook calls. The signature is
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
const (
	SignatureHeader = "X-Oidcgate-Signature"
	TimestampHeader = "X-Oidcgate-Timestamp"
)

// withSignature returns the fetch options that sign body as of at.
func withSignature(secret []byte, at time.Time, body []byte) []networking.FetchOption {
	ts := strconv.FormatInt(at.Unix(), 10)
	return []networking.FetchOption{
		networking.WithHeader(TimestampHeader, ts),
		networking.WithHeader(SignatureHeader, signature(secret, ts, body)),
	}
}

func signature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
