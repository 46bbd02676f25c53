// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router resolves a model name to its owning backend and dispatches
// chat-completion requests, handling both buffered and SSE-streamed
// responses. A completion is a single attempt against a single backend;
// failures surface to the caller and are never retried or rerouted.
package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/catalog"
)

// ssePrefix is the literal frame prefix of OpenAI-compatible streams.
const ssePrefix = "data: "

// sseDone is the terminal frame payload.
const sseDone = "[DONE]"

// maxScanBuffer bounds a single SSE frame. 10MB accommodates large
// base64-bearing deltas without unbounded growth.
const maxScanBuffer = 10 * 1024 * 1024

// detailLimit caps the diagnostic extracted from an error body.
const detailLimit = 200

// Catalog is the model resolution surface the router consumes.
type Catalog interface {
	ResolveModel(name string) (catalog.Model, bool)
}

// Backends is the registry lookup surface the router consumes.
type Backends interface {
	Get(address string) (backend.Backend, bool)
}

// Decrementer receives the optimistic quota decrement immediately before a
// dispatch to the cloud backend.
type Decrementer interface {
	OptimisticDecrement()
}

// Request describes one single-turn completion.
type Request struct {
	// Model is resolved against the current catalog; first match wins.
	Model string
	// Prompt is the user message text.
	Prompt string
	// Images are optional PNG payloads appended after the text, in order.
	Images [][]byte
	// SessionToken authenticates requests routed to the cloud backend.
	// Other backends always use their own stored credential instead.
	SessionToken string
	// Stream selects SSE streaming.
	Stream bool
	// OnChunk receives each incremental text fragment, in order, before the
	// next frame is read. Only used when Stream is set.
	OnChunk func(string)
}

// Router dispatches completions. Construct with NewRouter.
type Router struct {
	catalog  Catalog
	backends Backends
	usage    Decrementer
	client   *http.Client
}

// NewRouter creates a router. Completion requests carry no built-in
// timeout; cancellation is left to the caller's context. usage may be nil.
func NewRouter(cat Catalog, backends Backends, usage Decrementer) *Router {
	return &Router{catalog: cat, backends: backends, usage: usage, client: &http.Client{}}
}

// Send resolves the model, dispatches the completion and returns the full
// response text. For streaming requests the text is the accumulation of all
// delta fragments delivered to OnChunk.
func (rt *Router) Send(ctx context.Context, req Request) (string, error) {
	model, ok := rt.catalog.ResolveModel(req.Model)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, req.Model)
	}

	owner, ok := rt.backends.Get(model.Server)
	if !ok {
		// The catalog can briefly outlive a removed backend.
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, req.Model)
	}

	credential := owner.Credential
	if owner.Kind == backend.KindCloud {
		credential = req.SessionToken
		if req.SessionToken != "" && rt.usage != nil {
			// Optimistic, UI-only estimate; fires regardless of outcome.
			rt.usage.OptimisticDecrement()
		}
	}

	body, err := buildBody(req)
	if err != nil {
		return "", err
	}

	url := owner.Address + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	log.Debugf("router: dispatching model %s to %s (stream=%v)", req.Model, owner.Address, req.Stream)
	resp, err := rt.client.Do(httpReq)
	if err != nil {
		return "", &UnreachableError{Address: owner.Address, Err: err}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("router: close response body error: %v", errClose)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(owner.Address, resp)
	}

	if req.Stream {
		return rt.consumeStream(resp.Body, req.OnChunk)
	}
	return parseBuffered(resp.Body)
}

// buildBody assembles the single-turn OpenAI chat payload. With images the
// content becomes an ordered part list: one text part first, then one
// image_url part per image as a base64 PNG data URI.
func buildBody(req Request) ([]byte, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "messages.0.role", "user")
	if len(req.Images) == 0 {
		body, _ = sjson.SetBytes(body, "messages.0.content", req.Prompt)
	} else {
		body, _ = sjson.SetBytes(body, "messages.0.content.0.type", "text")
		body, _ = sjson.SetBytes(body, "messages.0.content.0.text", req.Prompt)
		for i, img := range req.Images {
			uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
			prefix := fmt.Sprintf("messages.0.content.%d", i+1)
			body, _ = sjson.SetBytes(body, prefix+".type", "image_url")
			body, _ = sjson.SetBytes(body, prefix+".image_url.url", uri)
		}
	}
	body, _ = sjson.SetBytes(body, "stream", req.Stream)
	return body, nil
}

// parseBuffered extracts the completion text from a non-streaming response.
func parseBuffered(r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("%w: missing choices[0].message.content", ErrMalformedResponse)
	}
	return content.String(), nil
}

// consumeStream reads newline-delimited SSE frames, accumulating delta
// fragments and forwarding each to onChunk before the next frame is read.
// Malformed frames are skipped; [DONE] terminates with the text so far.
func (rt *Router) consumeStream(r io.Reader, onChunk func(string)) (string, error) {
	var acc strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxScanBuffer)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}
		payload := line[len(ssePrefix):]
		if payload == sseDone {
			return acc.String(), nil
		}
		if !gjson.Valid(payload) {
			log.Debugf("router: skipping malformed stream frame")
			continue
		}
		delta := gjson.Get(payload, "choices.0.delta.content")
		if !delta.Exists() {
			continue
		}
		fragment := delta.String()
		acc.WriteString(fragment)
		if onChunk != nil {
			onChunk(fragment)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("router: stream aborted: %w", err)
	}
	// Stream ended without [DONE]; treat accumulated text as the result.
	return acc.String(), nil
}

// statusError maps a non-2xx completion response to its error kind.
func statusError(address string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrQuotaExceeded
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}

	detail := ""
	if gjson.ValidBytes(body) {
		detail = gjson.GetBytes(body, "detail").String()
	}
	if detail == "" {
		detail = strings.TrimSpace(string(body))
		if len(detail) > detailLimit {
			detail = detail[:detailLimit]
		}
	}
	log.Debugf("router: backend %s error status %d: %s", address, resp.StatusCode, detail)
	return &BackendError{Address: address, Status: resp.StatusCode, Detail: detail}
}
