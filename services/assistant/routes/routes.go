// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finsightai/finsight/services/assistant/handlers"
)

// SetupRoutes registers the assistant HTTP surface on the given router.
//
// # Inputs
//   - router: the gin engine to register routes on.
//   - query: the streaming query handler (query + stop).
//   - sessions: session administration handler.
//   - health: readiness handler covering Mongo and Redis.
func SetupRoutes(router *gin.Engine, query *handlers.QueryStreamHandler,
	sessions *handlers.SessionHandler, health *handlers.HealthHandler) {

	router.GET("/healthz", health.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/query/stream", query.HandleQueryStream)
		v1.POST("/query/stop", query.HandleStop)

		// Session administration routes
		sessionGroup := v1.Group("/sessions")
		{
			sessionGroup.GET("", sessions.HandleListSessions)
			sessionGroup.GET("/:session_id/history", sessions.HandleSessionHistory)
			sessionGroup.DELETE("/:session_id", sessions.HandleDeleteSession)
		}
	}
}
