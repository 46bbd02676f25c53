// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog aggregates model listings from all active backends into
// one flat catalog. Each model is tagged with its owning backend address;
// uniqueness is only enforced within a backend, so name-only lookup returns
// the first match in backend-registration order.
package catalog

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/backend"
)

// Model is one entry of the aggregate catalog.
type Model struct {
	// Name is the model identifier, unique within its backend only.
	Name string `json:"name"`
	// Server is the owning backend address.
	Server string `json:"server"`
	// Multimodal reports image input support when the backend advertises it.
	Multimodal bool `json:"multimodal,omitempty"`
	// Pro marks models restricted to paid tiers on the cloud backend.
	Pro bool `json:"pro,omitempty"`
	// ParameterSize is an optional size descriptor such as "8B".
	ParameterSize string `json:"parameter_size,omitempty"`
}

// Target identifies one backend to list during a refresh.
type Target struct {
	Address    string
	Credential string
}

// Aggregator fetches model listings and caches the merged result.
// Refreshes are serialized: at most one is in flight, and a request arriving
// mid-refresh schedules exactly one follow-up run, so a slow fetch can never
// overwrite a newer completed result.
type Aggregator struct {
	client *http.Client

	mu         sync.Mutex
	current    []Model
	refreshing bool
	pending    []Target
	hasPending bool
	onChange   func([]Model)
}

// NewAggregator creates an aggregator with the given per-fetch timeout.
// A zero timeout leaves fetches bounded only by the caller's context.
func NewAggregator(timeout time.Duration) *Aggregator {
	return &Aggregator{client: &http.Client{Timeout: timeout}}
}

// OnChange registers a callback invoked with the merged catalog after every
// completed refresh. At most one callback is supported; it runs outside the
// aggregator lock.
func (a *Aggregator) OnChange(fn func([]Model)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Current returns the last completed aggregation without blocking on
// network I/O. The returned slice is a copy.
func (a *Aggregator) Current() []Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Model(nil), a.current...)
}

// ResolveModel returns the first catalog entry with the given name, in
// backend-registration order.
func (a *Aggregator) ResolveModel(name string) (Model, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.current {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// Refresh re-aggregates the catalog over the given targets, in order. If a
// refresh is already running the targets are queued and a single follow-up
// refresh runs when the current one completes; intermediate requests are
// coalesced and return immediately. When no refresh is running, Refresh
// blocks until its result has been applied.
func (a *Aggregator) Refresh(ctx context.Context, targets []Target) {
	a.mu.Lock()
	if a.refreshing {
		a.pending = append([]Target(nil), targets...)
		a.hasPending = true
		a.mu.Unlock()
		return
	}
	a.refreshing = true
	a.mu.Unlock()

	a.runRefresh(ctx, targets)
}

func (a *Aggregator) runRefresh(ctx context.Context, targets []Target) {
	for {
		merged := a.fetchAll(ctx, targets)

		a.mu.Lock()
		a.current = merged
		notify := a.onChange
		if a.hasPending {
			targets = a.pending
			a.pending = nil
			a.hasPending = false
			a.mu.Unlock()
			if notify != nil {
				notify(append([]Model(nil), merged...))
			}
			continue
		}
		a.refreshing = false
		a.mu.Unlock()
		if notify != nil {
			notify(append([]Model(nil), merged...))
		}
		return
	}
}

// fetchAll lists every target concurrently and merges the results in target
// order. A target that fails or returns a malformed payload contributes
// zero models; per-backend failure never aborts the aggregation.
func (a *Aggregator) fetchAll(ctx context.Context, targets []Target) []Model {
	results := make([][]Model, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = a.fetchOne(ctx, t)
		}(i, t)
	}
	wg.Wait()

	merged := make([]Model, 0)
	for _, models := range results {
		merged = append(merged, models...)
	}
	return merged
}

// fetchOne performs GET {address}/v1/models for a single backend.
func (a *Aggregator) fetchOne(ctx context.Context, t Target) []Model {
	address := backend.NormalizeAddress(t.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/v1/models", nil)
	if err != nil {
		log.Debugf("catalog: invalid address %s: %v", t.Address, err)
		return nil
	}
	if t.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+t.Credential)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		log.Debugf("catalog: fetch failed for %s: %v", address, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("catalog: %s returned status %d", address, resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Debugf("catalog: read failed for %s: %v", address, err)
		return nil
	}
	return parseModels(body, address)
}

// parseModels maps a model listing payload into catalog entries tagged with
// the source address. The standard shape is {"data":[{"id":...},...]}; a
// bare {"models":[...]} list is accepted as a fallback.
func parseModels(body []byte, address string) []Model {
	list := gjson.GetBytes(body, "data")
	if !list.IsArray() {
		list = gjson.GetBytes(body, "models")
	}
	if !list.IsArray() {
		log.Debugf("catalog: malformed model listing from %s", address)
		return nil
	}

	models := make([]Model, 0, len(list.Array()))
	for _, item := range list.Array() {
		name := item.Get("id").String()
		if name == "" {
			name = item.Get("name").String()
		}
		if name == "" {
			continue
		}
		size := item.Get("parameter_size").String()
		if size == "" {
			size = item.Get("details.parameter_size").String()
		}
		models = append(models, Model{
			Name:          name,
			Server:        address,
			Multimodal:    item.Get("multimodal").Bool(),
			Pro:           item.Get("pro").Bool(),
			ParameterSize: size,
		})
	}
	return models
}
