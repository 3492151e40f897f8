// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/handlers"
)

// SetupRoutes registers the chat core's HTTP surface.
//
// Every feature shares the turn protocol; only the path segment
// differs. Features come from the registry at startup, so adding a
// brand-new feature key needs a restart while everything else about a
// feature (cost, access, prompt, enabled) hot-reloads.
func SetupRoutes(router *gin.Engine, turns *handlers.TurnHandler, finalize *handlers.FinalizeHandler, features []string) {

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		for _, feature := range features {
			g := v1.Group("/" + feature)
			{
				g.POST("/conversations/:conversationId/messages", turns.StreamTurn(feature))
				g.POST("/messages/:messageId/finalize", finalize.HandleFinalize)
				// Deprecated, kept for old clients.
				g.POST("/messages/:messageId/truncate", finalize.HandleTruncate)
			}
		}
	}
}
