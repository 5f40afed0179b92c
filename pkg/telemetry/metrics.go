// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/oidcgate/pkg/auth/token"
)

const instrumentationName = "github.com/stacklok/oidcgate"

// Metrics records gateway request, refresh and verification counts.
type Metrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	refreshes       metric.Int64Counter
	verifications   metric.Int64Counter
}

// NewMetrics registers the gateway instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	requests, err := meter.Int64Counter(
		"oidcgate_requests", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of gateway requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"oidcgate_request_duration",
		metric.WithDescription("Duration of gateway requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	refreshes, err := meter.Int64Counter(
		"oidcgate_token_refreshes",
		metric.WithDescription("Token refresh attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh counter: %w", err)
	}

	verifications, err := meter.Int64Counter(
		"oidcgate_token_verifications",
		metric.WithDescription("Token verifications by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification counter: %w", err)
	}

	return &Metrics{
		requests:        requests,
		requestDuration: requestDuration,
		refreshes:       refreshes,
		verifications:   verifications,
	}, nil
}

// RecordRequest counts one handled request and its duration.
func (m *Metrics) RecordRequest(ctx context.Context, class, protocol, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("protocol", protocol),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRefresh counts one refresh attempt. It matches the refresh
// coordinator's result observer signature.
func (m *Metrics) RecordRefresh(outcome string) {
	m.refreshes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVerification counts one token verification. It matches the
// verifier's result observer signature.
func (m *Metrics) RecordVerification(result token.Result) {
	m.verifications.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result.String())))
}
