// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backend provides the registry of inference backends.
// Each backend is an OpenAI-compatible HTTP endpoint identified by its base
// URL; the registry tracks credentials, enabled state and last-known health,
// and derives the set of addresses eligible for discovery and routing.
package backend

import "strings"

// Health is the last-known reachability verdict for a backend.
type Health string

const (
	// HealthUnchecked means no probe has run since the backend was registered.
	HealthUnchecked Health = "unchecked"

	// HealthOnline means the last probe received a 2xx response.
	HealthOnline Health = "online"

	// HealthOffline means the last probe failed or was rejected.
	HealthOffline Health = "offline"
)

// Kind distinguishes backends by role. All kinds speak the same protocol.
type Kind string

const (
	// KindCloud is the single fixed metered cloud backend.
	KindCloud Kind = "cloud"

	// KindLocal is the single fixed local daemon backend.
	KindLocal Kind = "local"

	// KindCustom is a user-added endpoint.
	KindCustom Kind = "custom"
)

// Backend describes one registered inference endpoint.
type Backend struct {
	// Address is the base URL and the unique key within the registry.
	Address string `json:"address"`
	// Credential is an optional bearer token for this backend.
	Credential string `json:"credential,omitempty"`
	// Kind is the backend role (cloud, local or custom).
	Kind Kind `json:"kind"`
	// Enabled controls participation in aggregation and routing.
	Enabled bool `json:"enabled"`
	// Health is the last probe verdict.
	Health Health `json:"health"`
	// Detail is a human-readable note from the last probe, empty when online.
	Detail string `json:"detail,omitempty"`
}

// Record is the persisted shape of a custom backend. The address uniqueness
// invariant (at most one record per address) is enforced on restore.
type Record struct {
	Address    string `json:"address"`
	Enabled    bool   `json:"enabled"`
	Health     Health `json:"health"`
	Credential string `json:"credential,omitempty"`
}

// NormalizeAddress canonicalizes a backend base URL for use as a registry key.
func NormalizeAddress(address string) string {
	return strings.TrimSuffix(strings.TrimSpace(address), "/")
}
