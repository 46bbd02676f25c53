// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package core wires the backend registry, health prober, catalog
// aggregator, completion router and usage tracker into one facade. The
// presentation layer talks to Core and subscribes to the event bus; Core
// owns the reaction chain from registry mutations to catalog refreshes and
// state persistence.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/probe"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/usage"
)

// catalogTimeout bounds one full aggregation pass.
const catalogTimeout = 10 * time.Second

// Core is the application facade. Construct with NewCore.
type Core struct {
	cfg      *config.Config
	store    *store.Store
	bus      *events.Bus
	registry *backend.Registry
	prober   *probe.Prober
	catalog  *catalog.Aggregator
	router   *router.Router
	usage    *usage.Tracker

	sessionMu    sync.RWMutex
	sessionToken string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCore assembles the component graph. st may be nil to run without
// persistence; bus must outlive the core.
func NewCore(cfg *config.Config, st *store.Store, bus *events.Bus) *Core {
	c := &Core{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		registry: backend.NewRegistry(cfg.CloudAddress, cfg.LocalAddress),
		prober:   probe.NewProberWithTimeout(cfg.ProbeTimeout()),
		catalog:  catalog.NewAggregator(catalogTimeout),
		stopCh:   make(chan struct{}),
	}

	var cache usage.Cache
	if st != nil {
		cache = st
	}
	c.usage = usage.NewTracker(cfg.CloudAddress, cache, bus)
	c.router = router.NewRouter(c.catalog, c.registry, c.usage)

	if st != nil {
		records, err := st.LoadCustomBackends()
		if err != nil {
			log.Warnf("core: failed to load persisted backends: %v", err)
		}
		c.registry.Restore(records)
	}
	// Config seeds lose to persisted records on address collision.
	for _, seed := range cfg.CustomBackends {
		if c.registry.Add(seed.Address, seed.Credential) && !seed.Enabled {
			c.registry.SetEnabled(seed.Address, false)
		}
	}

	c.catalog.OnChange(func(models []catalog.Model) {
		bus.Publish(&events.Context{
			Event: events.EventCatalogChanged,
			Data:  map[string]interface{}{"models": len(models)},
		})
	})
	c.registry.OnActiveChange(func() {
		go c.RefreshCatalog(context.Background())
	})
	c.registry.OnMutation(c.persistBackends)

	return c
}

// Start launches the periodic health sweep when one is configured.
func (c *Core) Start() {
	interval := c.cfg.ProbeInterval()
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.CheckAll(context.Background())
			}
		}
	}()
}

// Close stops background work. The bus and store are owned by the caller.
func (c *Core) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// SetSession installs the cloud session token. A non-empty token marks the
// cloud backend authenticated and eligible for the active set.
func (c *Core) SetSession(token string) {
	c.sessionMu.Lock()
	c.sessionToken = token
	c.sessionMu.Unlock()
	c.registry.SetAuthenticated(token != "")
}

// ClearSession signs the cloud backend out.
func (c *Core) ClearSession() {
	c.SetSession("")
}

func (c *Core) session() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionToken
}

// credentialFor picks the token a discovery or health request should carry.
// The cloud backend uses the session token; all others use their own stored
// credential.
func (c *Core) credentialFor(b backend.Backend) string {
	if b.Kind == backend.KindCloud {
		return c.session()
	}
	return b.Credential
}

// CheckAll probes every registered backend concurrently and applies the
// verdicts. Health transitions and the empty-local-catalog condition are
// published on the bus.
func (c *Core) CheckAll(ctx context.Context) {
	backends := c.registry.List()

	var targets []probe.Target
	var locals []backend.Backend
	for _, b := range backends {
		if b.Kind == backend.KindLocal {
			locals = append(locals, b)
			continue
		}
		targets = append(targets, probe.Target{Address: b.Address, Credential: c.credentialFor(b)})
	}

	verdicts := c.prober.Sweep(ctx, targets)
	for _, b := range backends {
		if b.Kind == backend.KindLocal {
			continue
		}
		if v, ok := verdicts[b.Address]; ok {
			c.applyVerdict(b, v, false)
		}
	}
	for _, b := range locals {
		v, empty := c.prober.ProbeLocal(ctx, b.Address, b.Credential)
		c.applyVerdict(b, v, empty)
	}
}

// CheckBackend probes a single backend. Returns false when the address is
// not registered.
func (c *Core) CheckBackend(ctx context.Context, address string) bool {
	b, ok := c.registry.Get(address)
	if !ok {
		return false
	}
	if b.Kind == backend.KindLocal {
		v, empty := c.prober.ProbeLocal(ctx, b.Address, b.Credential)
		c.applyVerdict(b, v, empty)
		return true
	}
	c.applyVerdict(b, c.prober.Probe(ctx, b.Address, c.credentialFor(b)), false)
	return true
}

func (c *Core) applyVerdict(prev backend.Backend, v probe.Verdict, emptyCatalog bool) {
	changed := prev.Health != v.Health
	c.registry.SetHealth(prev.Address, v.Health, v.Detail)

	if changed {
		c.bus.Publish(&events.Context{
			Event:   events.EventHealthChanged,
			Backend: prev.Address,
			Data: map[string]interface{}{
				"health": string(v.Health),
				"detail": v.Detail,
			},
		})
	}
	if emptyCatalog {
		c.bus.Publish(&events.Context{
			Event:   events.EventEmptyLocalCatalog,
			Backend: prev.Address,
		})
	}
}

// RefreshCatalog re-aggregates models from the current active set.
func (c *Core) RefreshCatalog(ctx context.Context) {
	var targets []catalog.Target
	for _, address := range c.registry.ActiveAddresses() {
		b, ok := c.registry.Get(address)
		if !ok {
			continue
		}
		targets = append(targets, catalog.Target{Address: b.Address, Credential: c.credentialFor(b)})
	}
	c.catalog.Refresh(ctx, targets)
}

// Send dispatches one completion using the current session token.
func (c *Core) Send(ctx context.Context, req router.Request) (string, error) {
	req.SessionToken = c.session()
	return c.router.Send(ctx, req)
}

// RefreshQuota fetches a fresh quota snapshot from the cloud backend. An
// expired session additionally retracts the cloud backend from the active
// set.
func (c *Core) RefreshQuota(ctx context.Context) (*usage.Snapshot, error) {
	snap, err := c.usage.Refresh(ctx, c.session())
	if errors.Is(err, usage.ErrSessionExpired) {
		c.registry.SetAuthenticated(false)
	}
	return snap, err
}

// Quota returns the last authoritative quota snapshot, if any.
func (c *Core) Quota() (*usage.Snapshot, bool) {
	return c.usage.Current()
}

// CachedRemaining returns the optimistic remaining estimate, if any.
func (c *Core) CachedRemaining() (int, bool) {
	return c.usage.CachedRemaining()
}

// SessionExpired reports the sticky session-expired flag.
func (c *Core) SessionExpired() bool {
	return c.usage.SessionExpired()
}

// AddBackend registers a custom backend and probes it immediately.
func (c *Core) AddBackend(ctx context.Context, address, credential string) bool {
	if !c.registry.Add(address, credential) {
		return false
	}
	c.CheckBackend(ctx, address)
	return true
}

// RemoveBackend unregisters a custom backend.
func (c *Core) RemoveBackend(address string) bool {
	return c.registry.Remove(address)
}

// ToggleBackend flips a backend's enabled flag.
func (c *Core) ToggleBackend(address string) bool {
	return c.registry.Toggle(address)
}

// SetCredential updates a backend's stored bearer token.
func (c *Core) SetCredential(address, credential string) bool {
	return c.registry.SetCredential(address, credential)
}

// Backends returns snapshot copies of all registered backends.
func (c *Core) Backends() []backend.Backend {
	return c.registry.List()
}

// ActiveAddresses returns the addresses currently eligible for discovery
// and routing, in registration order.
func (c *Core) ActiveAddresses() []string {
	return c.registry.ActiveAddresses()
}

// Models returns the current aggregated catalog.
func (c *Core) Models() []catalog.Model {
	return c.catalog.Current()
}

// persistBackends writes the custom backend records after every mutation.
func (c *Core) persistBackends() {
	if c.store == nil {
		return
	}
	if err := c.store.SaveCustomBackends(c.registry.Snapshot()); err != nil {
		log.Warnf("core: failed to persist backends: %v", err)
	}
}
