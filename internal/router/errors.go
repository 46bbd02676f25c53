// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"errors"
	"fmt"
)

var (
	// ErrModelNotFound indicates the requested model is absent from the
	// current catalog. Local failure; nothing was dispatched.
	ErrModelNotFound = errors.New("router: model not found in catalog")
	// ErrQuotaExceeded maps an HTTP 429 from the backend. Surfaced as its
	// own kind so callers can react without parsing the body.
	ErrQuotaExceeded = errors.New("router: quota exceeded")
	// ErrUnauthorized maps an HTTP 401, signalling the caller to force
	// re-authentication.
	ErrUnauthorized = errors.New("router: unauthorized")
	// ErrMalformedResponse indicates the backend answered with an
	// unexpected shape for this single call.
	ErrMalformedResponse = errors.New("router: malformed response")
)

// BackendError carries the status code and a short diagnostic for any
// non-2xx completion response not covered by a dedicated kind.
type BackendError struct {
	Address string
	Status  int
	Detail  string
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("router: backend %s returned status %d: %s", e.Address, e.Status, e.Detail)
	}
	return fmt.Sprintf("router: backend %s returned status %d", e.Address, e.Status)
}

// StatusCode returns the HTTP status carried by the error.
func (e *BackendError) StatusCode() int { return e.Status }

// UnreachableError wraps a transport-level failure while dispatching to a
// backend.
type UnreachableError struct {
	Address string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("router: backend %s unreachable: %v", e.Address, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }
