// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package usage tracks the metered cloud backend's quota and the session
// state. It keeps an authoritative snapshot from the quota endpoint plus a
// locally-cached remaining figure that is optimistically decremented on
// every cloud dispatch to mask network latency.
package usage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/events"
)

// Tier names the cloud plan reported by the quota endpoint.
type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierTeam      Tier = "team"
	TierUnlimited Tier = "unlimited"
)

// upgradeThreshold is the utilization fraction that triggers the one-shot
// upgrade prompt signal for metered tiers.
const upgradeThreshold = 0.5

// Snapshot is one authoritative quota reading.
type Snapshot struct {
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Tier      Tier `json:"tier"`
}

var (
	// ErrSessionExpired is returned when the quota endpoint rejects the
	// session token. The expired flag stays set until a refresh succeeds.
	ErrSessionExpired = errors.New("usage: session expired")
	// ErrUnavailable is returned when the quota endpoint cannot be reached
	// or answers with an unexpected shape.
	ErrUnavailable = errors.New("usage: quota unavailable")
)

// Cache persists the single remaining figure across sessions.
type Cache interface {
	SaveQuotaRemaining(remaining int) error
	LoadQuotaRemaining() (remaining int, ok bool)
}

// Tracker owns the quota snapshot and session flags for the cloud backend.
type Tracker struct {
	quotaURL string
	client   *http.Client
	cache    Cache
	bus      *events.Bus

	mu              sync.Mutex
	snap            *Snapshot
	cachedRemaining *int
	expired         bool
	thresholdFired  bool
}

// NewTracker creates a tracker for the given cloud host. The cached
// remaining figure, if previously persisted, is restored immediately.
// cache and bus may be nil in tests.
func NewTracker(cloudHost string, cache Cache, bus *events.Bus) *Tracker {
	t := &Tracker{
		quotaURL: cloudHost + "/quota",
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
		bus:      bus,
	}
	if cache != nil {
		if n, ok := cache.LoadQuotaRemaining(); ok {
			t.cachedRemaining = &n
		}
	}
	return t
}

// Refresh queries the cloud quota endpoint with the session token.
// A 200 yields a snapshot and persists its remaining figure; a 401 sets the
// sticky session-expired flag without touching the cache; any other failure
// clears the snapshot to unavailable, leaving cache and flag alone.
func (t *Tracker) Refresh(ctx context.Context, token string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.quotaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		log.Debugf("usage: quota fetch failed: %v", err)
		t.setUnavailable()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		t.setExpired()
		return nil, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		log.Debugf("usage: quota endpoint returned status %d", resp.StatusCode)
		t.setUnavailable()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || !gjson.ValidBytes(body) {
		t.setUnavailable()
		return nil, fmt.Errorf("%w: unreadable body", ErrUnavailable)
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.Get("remaining").Exists() || !parsed.Get("limit").Exists() {
		t.setUnavailable()
		return nil, fmt.Errorf("%w: missing quota fields", ErrUnavailable)
	}

	snap := &Snapshot{
		Used:      int(parsed.Get("used").Int()),
		Remaining: int(parsed.Get("remaining").Int()),
		Limit:     int(parsed.Get("limit").Int()),
		Tier:      Tier(parsed.Get("tier").String()),
	}
	t.apply(snap)
	return snap, nil
}

// apply installs an authoritative snapshot and evaluates the threshold.
func (t *Tracker) apply(snap *Snapshot) {
	t.mu.Lock()
	t.snap = snap
	remaining := snap.Remaining
	t.cachedRemaining = &remaining
	t.expired = false

	fireThreshold := false
	if !t.thresholdFired && snap.Tier != TierUnlimited && snap.Limit > 0 {
		utilization := float64(snap.Limit-snap.Remaining) / float64(snap.Limit)
		if utilization >= upgradeThreshold {
			t.thresholdFired = true
			fireThreshold = true
		}
	}
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.SaveQuotaRemaining(remaining); err != nil {
			log.Warnf("usage: failed to persist quota cache: %v", err)
		}
	}
	t.publish(events.EventQuotaUpdated, map[string]interface{}{
		"remaining": snap.Remaining,
		"limit":     snap.Limit,
		"tier":      string(snap.Tier),
	})
	if fireThreshold {
		log.Debugf("usage: tier %s crossed %d%% utilization", snap.Tier, int(upgradeThreshold*100))
		t.publish(events.EventQuotaThreshold, map[string]interface{}{
			"remaining": snap.Remaining,
			"limit":     snap.Limit,
			"tier":      string(snap.Tier),
		})
	}
}

func (t *Tracker) setExpired() {
	t.mu.Lock()
	alreadyExpired := t.expired
	t.expired = true
	t.snap = nil
	t.mu.Unlock()

	if !alreadyExpired {
		t.publish(events.EventSessionExpired, nil)
	}
}

func (t *Tracker) setUnavailable() {
	t.mu.Lock()
	t.snap = nil
	t.mu.Unlock()
}

// OptimisticDecrement lowers the cached remaining figure by one and
// notifies observers. Without a cached figure this is a no-op; the cached
// value never goes negative.
func (t *Tracker) OptimisticDecrement() {
	t.mu.Lock()
	if t.cachedRemaining == nil {
		t.mu.Unlock()
		return
	}
	if *t.cachedRemaining > 0 {
		*t.cachedRemaining--
	}
	remaining := *t.cachedRemaining
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.SaveQuotaRemaining(remaining); err != nil {
			log.Warnf("usage: failed to persist quota cache: %v", err)
		}
	}
	t.publish(events.EventQuotaUpdated, map[string]interface{}{
		"remaining": remaining,
		"estimated": true,
	})
}

// Current returns the last authoritative snapshot, if any.
func (t *Tracker) Current() (*Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		return nil, false
	}
	snap := *t.snap
	return &snap, true
}

// CachedRemaining returns the optimistic remaining estimate, if any.
func (t *Tracker) CachedRemaining() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cachedRemaining == nil {
		return 0, false
	}
	return *t.cachedRemaining, true
}

// SessionExpired reports the sticky expired flag.
func (t *Tracker) SessionExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

func (t *Tracker) publish(event events.Event, data map[string]interface{}) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(&events.Context{Event: event, Data: data})
}
