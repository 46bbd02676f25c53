// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the core over HTTP: an OpenAI-compatible surface for
// completions and model listing, a management surface for backends, quota
// and session control, and an SSE feed of core events.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/modelmux/modelmux/internal/core"
	"github.com/modelmux/modelmux/internal/events"
)

// Server hosts the HTTP API. Construct with New.
type Server struct {
	engine *gin.Engine
	core   *core.Core
	bus    *events.Bus
}

// New builds the server and registers all routes.
func New(c *core.Core, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware())

	s := &Server{engine: engine, core: c, bus: bus}

	engine.GET("/v1/models", s.listModels)
	engine.POST("/v1/chat/completions", s.chatCompletions)

	mgmt := engine.Group("/api")
	{
		mgmt.GET("/backends", s.listBackends)
		mgmt.POST("/backends", s.addBackend)
		mgmt.DELETE("/backends", s.removeBackend)
		mgmt.POST("/backends/toggle", s.toggleBackend)
		mgmt.PUT("/backends/credential", s.setCredential)
		mgmt.POST("/backends/check", s.checkBackends)
		mgmt.GET("/quota", s.getQuota)
		mgmt.POST("/quota/refresh", s.refreshQuota)
		mgmt.POST("/session", s.setSession)
		mgmt.DELETE("/session", s.clearSession)
		mgmt.GET("/events", s.streamEvents)
	}

	return s
}

// Handler returns the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Infof("API server listening on %s", addr)
	return s.engine.Run(addr)
}

// requestIDMiddleware attaches a short request ID to the context and the
// response headers so log lines can be correlated with responses.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestLogger returns a logger carrying the request ID.
func requestLogger(c *gin.Context) *log.Entry {
	id, _ := c.Get("request_id")
	return log.WithField("request_id", fmt.Sprintf("%v", id))
}
