// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCloud = "https://api.modelmux.dev"
	testLocal = "http://127.0.0.1:11434"
)

func newTestRegistry() *Registry {
	return NewRegistry(testCloud, testLocal)
}

func TestRegistrySeedsFixedBackends(t *testing.T) {
	r := newTestRegistry()
	backends := r.List()
	require.Len(t, backends, 2)
	assert.Equal(t, KindCloud, backends[0].Kind)
	assert.Equal(t, KindLocal, backends[1].Kind)
	assert.Equal(t, HealthUnchecked, backends[0].Health)
	assert.True(t, backends[0].Enabled)
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	assert.True(t, r.Add("http://10.0.0.5:8080/", "tok"))
	assert.False(t, r.Add("http://10.0.0.5:8080", "other"))

	backends := r.List()
	require.Len(t, backends, 3)
	// First add wins; the trailing slash is normalized away.
	assert.Equal(t, "http://10.0.0.5:8080", backends[2].Address)
	assert.Equal(t, "tok", backends[2].Credential)
}

func TestRegistryRemoveRetractsActiveMembership(t *testing.T) {
	r := newTestRegistry()
	r.Add("http://10.0.0.5:8080", "")
	r.SetHealth("http://10.0.0.5:8080", HealthOnline, "")
	require.Contains(t, r.ActiveAddresses(), "http://10.0.0.5:8080")

	var notified int
	r.OnActiveChange(func() { notified++ })

	assert.True(t, r.Remove("http://10.0.0.5:8080"))
	assert.NotContains(t, r.ActiveAddresses(), "http://10.0.0.5:8080")
	assert.Equal(t, 1, notified)

	// Removing again, or removing a never-active address, is a no-op.
	assert.False(t, r.Remove("http://10.0.0.5:8080"))
	r.Add("http://10.0.0.6:8080", "")
	assert.True(t, r.Remove("http://10.0.0.6:8080"))
	assert.Equal(t, 1, notified)
}

func TestRegistryFixedBackendsCannotBeRemoved(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Remove(testCloud))
	assert.False(t, r.Remove(testLocal))
	assert.Len(t, r.List(), 2)
}

func TestRegistryActiveSetRules(t *testing.T) {
	r := newTestRegistry()

	// Cloud: enabled but unauthenticated -> inactive.
	assert.Empty(t, r.ActiveAddresses())
	r.SetAuthenticated(true)
	assert.Equal(t, []string{testCloud}, r.ActiveAddresses())
	r.SetAuthenticated(false)
	assert.Empty(t, r.ActiveAddresses())

	// Local: unchecked until a probe lands.
	r.SetHealth(testLocal, HealthOnline, "")
	assert.Equal(t, []string{testLocal}, r.ActiveAddresses())
	r.SetHealth(testLocal, HealthOffline, "connection refused")
	assert.Empty(t, r.ActiveAddresses())

	// Custom: an explicit enable activates an unchecked backend.
	r.Add("http://10.0.0.5:8080", "")
	assert.Empty(t, r.ActiveAddresses())
	r.SetEnabled("http://10.0.0.5:8080", true)
	assert.Equal(t, []string{"http://10.0.0.5:8080"}, r.ActiveAddresses())
	r.Toggle("http://10.0.0.5:8080")
	assert.Empty(t, r.ActiveAddresses())
}

func TestRegistryActiveOrderFollowsInsertion(t *testing.T) {
	r := newTestRegistry()
	r.SetAuthenticated(true)
	r.SetHealth(testLocal, HealthOnline, "")
	r.Add("http://10.0.0.5:8080", "")
	r.SetHealth("http://10.0.0.5:8080", HealthOnline, "")

	assert.Equal(t, []string{testCloud, testLocal, "http://10.0.0.5:8080"}, r.ActiveAddresses())
}

func TestRegistryToggleNotifiesOnMembershipChange(t *testing.T) {
	r := newTestRegistry()
	r.Add("http://10.0.0.5:8080", "")
	r.SetHealth("http://10.0.0.5:8080", HealthOnline, "")

	var notified int
	r.OnActiveChange(func() { notified++ })

	r.Toggle("http://10.0.0.5:8080") // active -> inactive
	r.Toggle("http://10.0.0.5:8080") // inactive -> active
	assert.Equal(t, 2, notified)

	// A credential edit never changes membership.
	r.SetCredential("http://10.0.0.5:8080", "tok")
	assert.Equal(t, 2, notified)
}

func TestRegistryListReturnsSnapshots(t *testing.T) {
	r := newTestRegistry()
	backends := r.List()
	backends[0].Enabled = false
	backends[0].Credential = "mutated"

	fresh := r.List()
	assert.True(t, fresh[0].Enabled)
	assert.Empty(t, fresh[0].Credential)
}

func TestRegistrySnapshotRestoreRoundTrip(t *testing.T) {
	r := newTestRegistry()
	r.Add("http://10.0.0.5:8080", "tok-a")
	r.SetHealth("http://10.0.0.5:8080", HealthOnline, "")
	r.Add("http://10.0.0.6:8080", "")
	r.Toggle("http://10.0.0.6:8080")

	records := r.Snapshot()
	require.Len(t, records, 2)

	restored := newTestRegistry()
	restored.Restore(records)
	backends := restored.List()
	require.Len(t, backends, 4)
	assert.Equal(t, "http://10.0.0.5:8080", backends[2].Address)
	assert.Equal(t, "tok-a", backends[2].Credential)
	assert.Equal(t, HealthOnline, backends[2].Health)
	assert.False(t, backends[3].Enabled)

	// The previously online backend rejoins the active set immediately.
	assert.Equal(t, []string{"http://10.0.0.5:8080"}, restored.ActiveAddresses())
}

func TestRegistryRestoreDropsDuplicates(t *testing.T) {
	r := newTestRegistry()
	r.Restore([]Record{
		{Address: "http://10.0.0.5:8080", Enabled: true},
		{Address: "http://10.0.0.5:8080/", Enabled: false},
		{Address: testLocal, Enabled: true},
	})
	assert.Len(t, r.List(), 3)
}
