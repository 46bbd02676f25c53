// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// entry is the registry's internal mutable state for one backend.
type entry struct {
	backend Backend
	// activated records that a health check or an explicit enable has
	// occurred, which is a precondition for active-set membership of
	// local and custom backends.
	activated bool
}

// Registry holds the set of known backends and their mutable state.
// All mutations are synchronous and leave the registry immediately
// consistent; mutations that change active-set membership invoke the
// registered change callbacks so the owning collaborator can refresh the
// model catalog. The registry itself performs no network I/O.
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	order         []string // insertion order of addresses
	authenticated bool     // cloud session state
	onActive      []func()
	onMutate      []func()
}

// NewRegistry creates a registry seeded with the fixed cloud and local
// backends. Both start enabled, unchecked and inactive; the cloud backend
// additionally requires authentication before it joins the active set.
func NewRegistry(cloudAddress, localAddress string) *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	r.seed(cloudAddress, KindCloud)
	r.seed(localAddress, KindLocal)
	return r
}

func (r *Registry) seed(address string, kind Kind) {
	address = NormalizeAddress(address)
	if address == "" {
		return
	}
	r.entries[address] = &entry{backend: Backend{
		Address: address,
		Kind:    kind,
		Enabled: true,
		Health:  HealthUnchecked,
	}}
	r.order = append(r.order, address)
}

// OnActiveChange registers a callback invoked after any mutation that
// changed active-set membership. Callbacks run synchronously, outside the
// registry lock, in registration order.
func (r *Registry) OnActiveChange(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onActive = append(r.onActive, fn)
	r.mu.Unlock()
}

// OnMutation registers a callback invoked after every successful mutation,
// whether or not the active set changed. Used for persistence.
func (r *Registry) OnMutation(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onMutate = append(r.onMutate, fn)
	r.mu.Unlock()
}

// Add registers a custom backend. Re-adding an existing address is a no-op
// and returns false.
func (r *Registry) Add(address, credential string) bool {
	address = NormalizeAddress(address)
	if address == "" {
		return false
	}
	r.mu.Lock()
	if _, exists := r.entries[address]; exists {
		r.mu.Unlock()
		log.Debugf("registry: backend %s already registered", address)
		return false
	}
	r.entries[address] = &entry{backend: Backend{
		Address:    address,
		Credential: credential,
		Kind:       KindCustom,
		Enabled:    true,
		Health:     HealthUnchecked,
	}}
	r.order = append(r.order, address)
	r.mu.Unlock()

	log.Debugf("registry: added custom backend %s", address)
	r.notifyMutation()
	// An unchecked backend is not yet active, so membership is unchanged.
	return true
}

// Remove deletes a custom backend and retracts its address from the active
// set. The fixed cloud and local backends cannot be removed; removing them
// or an unknown address returns false.
func (r *Registry) Remove(address string) bool {
	address = NormalizeAddress(address)
	r.mu.Lock()
	e, exists := r.entries[address]
	if !exists || e.backend.Kind != KindCustom {
		r.mu.Unlock()
		return false
	}
	wasActive := r.isActiveLocked(e)
	delete(r.entries, address)
	for i, a := range r.order {
		if a == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	log.Debugf("registry: removed backend %s", address)
	r.notifyMutation()
	if wasActive {
		r.notifyActive()
	}
	return true
}

// Toggle flips the enabled state of a backend and re-derives active-set
// membership. An explicit enable counts as activation for local and custom
// backends that have not been probed yet.
func (r *Registry) Toggle(address string) bool {
	address = NormalizeAddress(address)
	r.mu.Lock()
	e, exists := r.entries[address]
	if !exists {
		r.mu.Unlock()
		return false
	}
	return r.setEnabledLocked(e, !e.backend.Enabled)
}

// SetEnabled sets the enabled state of a backend explicitly.
func (r *Registry) SetEnabled(address string, enabled bool) bool {
	address = NormalizeAddress(address)
	r.mu.Lock()
	e, exists := r.entries[address]
	if !exists {
		r.mu.Unlock()
		return false
	}
	return r.setEnabledLocked(e, enabled)
}

// setEnabledLocked completes an enable/disable mutation. The registry lock
// must be held on entry; it is released before callbacks fire.
func (r *Registry) setEnabledLocked(e *entry, enabled bool) bool {
	wasActive := r.isActiveLocked(e)
	e.backend.Enabled = enabled
	if enabled && e.backend.Kind != KindCloud && e.backend.Health != HealthOffline {
		e.activated = true
	}
	changed := r.isActiveLocked(e) != wasActive
	address := e.backend.Address
	r.mu.Unlock()

	log.Debugf("registry: backend %s enabled=%v", address, enabled)
	r.notifyMutation()
	if changed {
		r.notifyActive()
	}
	return true
}

// SetCredential updates the stored bearer token for a backend.
func (r *Registry) SetCredential(address, credential string) bool {
	address = NormalizeAddress(address)
	r.mu.Lock()
	e, exists := r.entries[address]
	if !exists {
		r.mu.Unlock()
		return false
	}
	e.backend.Credential = credential
	r.mu.Unlock()

	r.notifyMutation()
	return true
}

// SetHealth records a probe verdict and re-derives active-set membership.
// For local and custom backends membership follows enabled && online.
func (r *Registry) SetHealth(address string, health Health, detail string) bool {
	address = NormalizeAddress(address)
	r.mu.Lock()
	e, exists := r.entries[address]
	if !exists {
		r.mu.Unlock()
		return false
	}
	wasActive := r.isActiveLocked(e)
	e.backend.Health = health
	e.backend.Detail = detail
	switch health {
	case HealthOnline:
		e.activated = true
	case HealthOffline:
		e.activated = false
	}
	changed := r.isActiveLocked(e) != wasActive
	r.mu.Unlock()

	log.Debugf("registry: backend %s health=%s detail=%q", address, health, detail)
	r.notifyMutation()
	if changed {
		r.notifyActive()
	}
	return true
}

// SetAuthenticated records whether the caller holds a valid cloud session.
// The cloud backend joins the active set only while authenticated.
func (r *Registry) SetAuthenticated(authenticated bool) {
	r.mu.Lock()
	if r.authenticated == authenticated {
		r.mu.Unlock()
		return
	}
	r.authenticated = authenticated
	var changed bool
	for _, e := range r.entries {
		if e.backend.Kind == KindCloud && e.backend.Enabled {
			changed = true
		}
	}
	r.mu.Unlock()

	log.Debugf("registry: authenticated=%v", authenticated)
	if changed {
		r.notifyActive()
	}
}

// Authenticated reports the current cloud session state.
func (r *Registry) Authenticated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authenticated
}

// Get returns a snapshot copy of one backend.
func (r *Registry) Get(address string) (Backend, bool) {
	address = NormalizeAddress(address)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[address]; ok {
		return e.backend, true
	}
	return Backend{}, false
}

// List returns snapshot copies of all backends in insertion order. Mutating
// the returned slice does not affect registry state.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.order))
	for _, address := range r.order {
		out = append(out, r.entries[address].backend)
	}
	return out
}

// ActiveAddresses returns the addresses currently eligible for model
// discovery and routing, in insertion order.
func (r *Registry) ActiveAddresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, address := range r.order {
		if r.isActiveLocked(r.entries[address]) {
			out = append(out, address)
		}
	}
	return out
}

// isActiveLocked evaluates active-set membership. The cloud backend is
// active iff enabled and authenticated; local and custom backends are
// active iff enabled and a probe or explicit enable has activated them.
func (r *Registry) isActiveLocked(e *entry) bool {
	if !e.backend.Enabled {
		return false
	}
	if e.backend.Kind == KindCloud {
		return r.authenticated
	}
	return e.activated
}

// Snapshot returns the persisted records for all custom backends in
// insertion order.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0)
	for _, address := range r.order {
		b := r.entries[address].backend
		if b.Kind != KindCustom {
			continue
		}
		out = append(out, Record{
			Address:    b.Address,
			Enabled:    b.Enabled,
			Health:     b.Health,
			Credential: b.Credential,
		})
	}
	return out
}

// Restore re-creates custom backends from persisted records. Duplicate
// addresses and records colliding with the fixed backends are dropped.
// Restored backends that were online when persisted rejoin the active set.
func (r *Registry) Restore(records []Record) {
	var changed bool
	r.mu.Lock()
	for _, rec := range records {
		address := NormalizeAddress(rec.Address)
		if address == "" {
			continue
		}
		if _, exists := r.entries[address]; exists {
			log.Debugf("registry: skipping duplicate record for %s", address)
			continue
		}
		health := rec.Health
		if health == "" {
			health = HealthUnchecked
		}
		e := &entry{backend: Backend{
			Address:    address,
			Credential: rec.Credential,
			Kind:       KindCustom,
			Enabled:    rec.Enabled,
			Health:     health,
		}}
		if health == HealthOnline {
			e.activated = true
		}
		r.entries[address] = e
		r.order = append(r.order, address)
		if r.isActiveLocked(e) {
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.notifyActive()
	}
}

func (r *Registry) notifyActive() {
	r.mu.RLock()
	callbacks := make([]func(), len(r.onActive))
	copy(callbacks, r.onActive)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (r *Registry) notifyMutation() {
	r.mu.RLock()
	callbacks := make([]func(), len(r.onMutate))
	copy(callbacks, r.onMutate)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}
