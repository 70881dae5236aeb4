// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger answers whether the Redis backend is reachable.
// *cancel.RedisKV implements it.
type Pinger interface {
	Healthy(ctx context.Context) bool
}

// HealthHandler reports liveness of the service and its backing stores.
type HealthHandler struct {
	store TurnStore
	kv    Pinger
}

// NewHealthHandler wires the handler. Either dependency may be nil in
// partial deployments; its check is then skipped.
func NewHealthHandler(store TurnStore, kv Pinger) *HealthHandler {
	return &HealthHandler{store: store, kv: kv}
}

// HandleHealth processes GET /healthz. Degraded backends turn the
// response into a 503 so orchestrators stop routing to this instance.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}

	if h.store != nil {
		if err := h.store.Ping(c.Request.Context()); err != nil {
			checks["mongodb"] = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			checks["mongodb"] = "ok"
		}
	}

	if h.kv != nil {
		if h.kv.Healthy(c.Request.Context()) {
			checks["redis"] = "ok"
		} else {
			checks["redis"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
