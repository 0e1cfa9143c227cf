// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/GroupAHP/pkg/extensions"
	"github.com/AleutianAI/GroupAHP/services/groupsession/handlers"
	"github.com/AleutianAI/GroupAHP/services/groupsession/middleware"
)

// SetupRoutes registers the service routes on router.
//
// The WebSocket route uses the soft auth middleware so that token problems
// are reported as close code 4001 after the upgrade; every other /v1 route
// rejects unauthenticated requests with 401.
func SetupRoutes(router *gin.Engine, gh *handlers.GroupHandler, opts extensions.ServiceOptions) {
	opts = opts.WithDefaults()

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.GET("/groups/:groupID/ws", middleware.SoftAuthMiddleware(opts.AuthProvider), gh.HandleWebSocket)

	api := v1.Group("", middleware.AuthMiddleware(opts.AuthProvider))
	{
		api.POST("/groups", gh.CreateGroup)

		groups := api.Group("/groups/:groupID")
		{
			groups.GET("", gh.GetGroup)
			groups.POST("/start", gh.StartGroup)
			groups.POST("/pause", gh.PauseGroup)
			groups.POST("/complete", gh.CompleteGroup)
			groups.POST("/members", gh.AddMember)
			groups.PATCH("/members/:userID", gh.UpdateMember)
			groups.DELETE("/members/:userID", gh.RemoveMember)
			groups.GET("/nodes/:nodeID/aggregate", gh.GetAggregate)
			groups.GET("/presence", gh.GetPresence)
		}
	}
}
