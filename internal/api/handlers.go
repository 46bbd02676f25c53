// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/usage"
)

// imagePrefix is the data URI prefix accepted for inline images.
const imagePrefix = "data:image/png;base64,"

func (s *Server) listModels(c *gin.Context) {
	models := s.core.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.Name,
			"object":   "model",
			"owned_by": m.Server,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// chatCompletions accepts the OpenAI request shape, reduces it to a
// single-turn prompt with optional inline PNG images, and dispatches it
// through the core. With "stream": true the response is re-emitted as SSE.
func (s *Server) chatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	parsed := gjson.ParseBytes(body)

	model := parsed.Get("model").String()
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	prompt, images, ok := extractUserTurn(parsed.Get("messages"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a user message is required"})
		return
	}

	req := router.Request{
		Model:  model,
		Prompt: prompt,
		Images: images,
		Stream: parsed.Get("stream").Bool(),
	}

	logger := requestLogger(c)
	logger.Debugf("completion request for model %s (stream=%v)", model, req.Stream)

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	text, err := s.core.Send(c.Request.Context(), req)
	if err != nil {
		writeCompletionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "chat.completion",
		"model":  model,
		"choices": []gin.H{
			{"index": 0, "message": gin.H{"role": "assistant", "content": text}, "finish_reason": "stop"},
		},
	})
}

// streamCompletion re-emits the backend stream as SSE delta frames.
func (s *Server) streamCompletion(c *gin.Context, req router.Request) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	req.OnChunk = func(chunk string) {
		frame, _ := json.Marshal(gin.H{
			"object": "chat.completion.chunk",
			"model":  req.Model,
			"choices": []gin.H{
				{"index": 0, "delta": gin.H{"content": chunk}},
			},
		})
		c.Writer.WriteString("data: " + string(frame) + "\n\n")
		flusher.Flush()
	}

	if _, err := s.core.Send(c.Request.Context(), req); err != nil {
		// Headers are already out; surface the failure as an error frame.
		frame, _ := json.Marshal(gin.H{"error": err.Error()})
		c.Writer.WriteString("data: " + string(frame) + "\n\n")
		flusher.Flush()
		return
	}
	c.Writer.WriteString("data: [DONE]\n\n")
	flusher.Flush()
}

// extractUserTurn reduces an OpenAI messages array to the last user turn.
// Content may be a plain string or a parts array mixing text and inline
// PNG data URIs; part order is preserved for images.
func extractUserTurn(messages gjson.Result) (prompt string, images [][]byte, ok bool) {
	var turn gjson.Result
	for _, m := range messages.Array() {
		if m.Get("role").String() == "user" {
			turn = m
			ok = true
		}
	}
	if !ok {
		return "", nil, false
	}

	content := turn.Get("content")
	if content.Type == gjson.String {
		return content.String(), nil, true
	}

	var parts []string
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, part.Get("text").String())
		case "image_url":
			url := part.Get("image_url.url").String()
			if !strings.HasPrefix(url, imagePrefix) {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, imagePrefix))
			if err != nil {
				continue
			}
			images = append(images, raw)
		}
	}
	return strings.Join(parts, "\n"), images, true
}

// writeCompletionError maps router failures onto HTTP statuses.
func writeCompletionError(c *gin.Context, err error) {
	var backendErr *router.BackendError
	var unreachable *router.UnreachableError
	switch {
	case errors.Is(err, router.ErrModelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, router.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, router.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.As(err, &backendErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": backendErr.Error(), "detail": backendErr.Detail})
	case errors.As(err, &unreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": unreachable.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) listBackends(c *gin.Context) {
	active := make(map[string]bool)
	for _, address := range s.core.ActiveAddresses() {
		active[address] = true
	}

	backends := s.core.Backends()
	out := make([]gin.H, 0, len(backends))
	for _, b := range backends {
		out = append(out, gin.H{
			"address": b.Address,
			"kind":    string(b.Kind),
			"enabled": b.Enabled,
			"health":  string(b.Health),
			"detail":  b.Detail,
			"active":  active[b.Address],
			// Credentials never leave the process.
			"has_credential": b.Credential != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"backends": out})
}

type backendRequest struct {
	Address    string `json:"address" binding:"required"`
	Credential string `json:"credential"`
}

func (s *Server) addBackend(c *gin.Context) {
	var req backendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.core.AddBackend(c.Request.Context(), req.Address, req.Credential) {
		c.JSON(http.StatusConflict, gin.H{"error": "backend already registered"})
		return
	}
	requestLogger(c).Infof("registered custom backend %s", req.Address)
	c.JSON(http.StatusCreated, gin.H{"address": req.Address})
}

func (s *Server) removeBackend(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	if !s.core.RemoveBackend(address) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no removable backend at that address"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) toggleBackend(c *gin.Context) {
	var req backendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.core.ToggleBackend(req.Address) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown backend"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setCredential(c *gin.Context) {
	var req backendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.core.SetCredential(req.Address, req.Credential) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown backend"})
		return
	}
	c.Status(http.StatusNoContent)
}

// checkBackends probes one backend when an address is given, otherwise all.
func (s *Server) checkBackends(c *gin.Context) {
	if address := c.Query("address"); address != "" {
		if !s.core.CheckBackend(c.Request.Context(), address) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown backend"})
			return
		}
	} else {
		s.core.CheckAll(c.Request.Context())
	}
	s.listBackends(c)
}

func (s *Server) getQuota(c *gin.Context) {
	resp := gin.H{"session_expired": s.core.SessionExpired()}
	if snap, ok := s.core.Quota(); ok {
		resp["quota"] = snap
	}
	if remaining, ok := s.core.CachedRemaining(); ok {
		resp["cached_remaining"] = remaining
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) refreshQuota(c *gin.Context) {
	snap, err := s.core.RefreshQuota(c.Request.Context())
	switch {
	case errors.Is(err, usage.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"quota": snap})
	}
}

type sessionRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) setSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.core.SetSession(req.Token)
	c.Status(http.StatusNoContent)
}

func (s *Server) clearSession(c *gin.Context) {
	s.core.ClearSession()
	c.Status(http.StatusNoContent)
}

// allEvents is the set re-emitted on the SSE feed.
var allEvents = []events.Event{
	events.EventHealthChanged,
	events.EventCatalogChanged,
	events.EventQuotaThreshold,
	events.EventQuotaUpdated,
	events.EventSessionExpired,
	events.EventEmptyLocalCatalog,
}

// streamEvents forwards bus events to the client as SSE until it hangs up.
func (s *Server) streamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	feed := make(chan *events.Context, 64)
	var subs []*events.Subscription
	for _, ev := range allEvents {
		subs = append(subs, s.bus.Subscribe(ev, func(ctx *events.Context) {
			select {
			case feed <- ctx:
			default:
				// A slow client drops events rather than blocking the bus.
			}
		}))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case ev := <-feed:
			frame, err := json.Marshal(gin.H{
				"event":     string(ev.Event),
				"timestamp": ev.Timestamp,
				"backend":   ev.Backend,
				"data":      ev.Data,
			})
			if err != nil {
				continue
			}
			c.Writer.WriteString("data: " + string(frame) + "\n\n")
			flusher.Flush()
		}
	}
}
