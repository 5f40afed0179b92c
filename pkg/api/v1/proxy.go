// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/stacklok/oidcgate/pkg/gateway"
	"github.com/stacklok/oidcgate/pkg/gateway/transport"
	"github.com/stacklok/oidcgate/pkg/logger"
)

func (rt *Routes) forward(w http.ResponseWriter, r *http.Request) error {
	start := time.Now()
	ctx := r.Context()
	ex := transport.New(w, r)

	rc := gateway.NewRequestContext(rt.store.Load())
	rc.Mapping, rc.Class = rc.Snapshot.Mappings.Classify(r.Method, r.URL.Path, ex.Protocol() == "ws")

	outcome := gateway.Rejected
	defer func() {
		rt.metrics.RecordRequest(ctx, rc.Class.String(), ex.Protocol(), outcome.String(), time.Since(start))
	}()

	if rc.Mapping == nil {
		logger.FromContext(ctx).Info("no mapping found", "method", r.Method, "path", r.URL.Path)
		if rt.redirects.E404 != "" {
			ex.Redirect(rt.redirects.E404)
		} else {
			ex.SendError(http.StatusNotFound, "Not found")
		}
		return nil
	}

	var err error
	if outcome, err = rt.flow.Run(ex, rc); err != nil || outcome == gateway.Rejected {
		if err != nil {
			flushPending(w, ex)
		}
		return err
	}

	rt.proxy.Forward(ex, w, r.WithContext(gateway.WithRequestContext(ctx, rc)))
	return nil
}
