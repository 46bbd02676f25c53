// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package probe performs single-shot reachability and auth checks against
// inference backends. A probe is one network attempt: any 2xx response from
// the protocol-defined models path means online, anything else means offline
// with a human-readable detail.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/backend"
)

// DefaultTimeout bounds a single probe so one unreachable backend cannot
// stall a health sweep.
const DefaultTimeout = 2500 * time.Millisecond

// localListingPath is the local daemon's native model listing endpoint,
// used for the secondary installed-models capability check.
const localListingPath = "/api/tags"

// Verdict is the outcome of one probe.
type Verdict struct {
	Health backend.Health
	// Detail is a human-readable failure description, empty when online.
	Detail string
}

// Prober issues health probes. The zero value is not usable; construct with
// NewProber.
type Prober struct {
	client *http.Client
}

// NewProber creates a prober with the default per-probe timeout.
func NewProber() *Prober {
	return NewProberWithTimeout(DefaultTimeout)
}

// NewProberWithTimeout creates a prober with an explicit per-probe timeout.
func NewProberWithTimeout(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{client: &http.Client{Timeout: timeout}}
}

// Probe performs one GET {address}/v1/models with the credential attached
// as a bearer token when present. No retries.
func (p *Prober) Probe(ctx context.Context, address, credential string) Verdict {
	url := backend.NormalizeAddress(address) + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Verdict{Health: backend.HealthOffline, Detail: fmt.Sprintf("invalid address: %v", err)}
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.Debugf("probe: %s unreachable: %v", address, err)
		return Verdict{Health: backend.HealthOffline, Detail: fmt.Sprintf("unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Verdict{Health: backend.HealthOnline}
	}
	log.Debugf("probe: %s returned status %d", address, resp.StatusCode)
	return Verdict{
		Health: backend.HealthOffline,
		Detail: fmt.Sprintf("status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
	}
}

// ProbeLocal probes the local daemon and, only when online, performs a
// secondary capability check against its native listing path. emptyCatalog
// reports that the daemon is running with zero installed models; it is a
// signal for the collaborator, not part of the health verdict.
func (p *Prober) ProbeLocal(ctx context.Context, address, credential string) (verdict Verdict, emptyCatalog bool) {
	verdict = p.Probe(ctx, address, credential)
	if verdict.Health != backend.HealthOnline {
		return verdict, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backend.NormalizeAddress(address)+localListingPath, nil)
	if err != nil {
		return verdict, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		// The capability check is best-effort; the daemon is still online.
		log.Debugf("probe: local listing check failed for %s: %v", address, err)
		return verdict, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return verdict, false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return verdict, false
	}
	models := gjson.GetBytes(body, "models")
	if models.Exists() && len(models.Array()) == 0 {
		log.Debugf("probe: local daemon %s reports zero installed models", address)
		return verdict, true
	}
	return verdict, false
}

// Target identifies one backend to probe during a sweep.
type Target struct {
	Address    string
	Credential string
}

// Sweep probes all targets concurrently and returns verdicts keyed by
// address. Each probe is independently bounded by the prober's timeout.
func (p *Prober) Sweep(ctx context.Context, targets []Target) map[string]Verdict {
	type result struct {
		address string
		verdict Verdict
	}
	results := make(chan result, len(targets))
	for _, t := range targets {
		go func(t Target) {
			results <- result{address: t.Address, verdict: p.Probe(ctx, t.Address, t.Credential)}
		}(t)
	}

	out := make(map[string]Verdict, len(targets))
	for range targets {
		r := <-results
		out[r.address] = r.verdict
	}
	return out
}
