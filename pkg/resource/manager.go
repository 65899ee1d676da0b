// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/job"
)

// Manager is the per-site Resource Manager: a site-local concurrency
// gatekeeper with two-phase reservation It serializes
// Check/Cancel/Allocate/Free with a single per-site lock and delegates
// bookkeeping to a Store.
type Manager struct {
	site  string
	mu    sync.Mutex
	store Store
	log   *clog.CLogger
}

// New returns a Manager for site backed by store.
func New(site string, store Store) *Manager {
	return &Manager{site: site, store: store, log: clog.New("resource[%s] ", site)}
}

// Check evaluates whether req could be satisfied now; if yes, tentatively
// reserves it under DefaultGrace and returns a token. Not idempotent: each
// successful call consumes capacity until Cancel, Allocate, or expiry.
func (m *Manager) Check(ctx context.Context, req job.ResourceRequest) (ok bool, token string, resolved job.ResourceRequest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, resolved, ok, err = m.store.Reserve(ctx, req, DefaultGrace)
	if err != nil {
		return false, "", nil, fmt.Errorf("resource[%s]: check: %w", m.site, err)
	}
	if !ok {
		m.log.Printf("insufficient resources for %v", req)
		return false, "", nil, nil
	}
	m.log.Printf("tentatively reserved %v as token %s", resolved, token)
	return true, token, resolved, nil
}

// Cancel releases a tentative reservation. An unknown token is logged and
// causes no state change
func (m *Manager) Cancel(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, err := m.store.Cancel(ctx, token)
	if err != nil {
		return fmt.Errorf("resource[%s]: cancel: %w", m.site, err)
	}
	if !found {
		m.log.Warnf("cancel: unknown or expired token %s", token)
	}
	return nil
}

// Allocate promotes a tentative reservation to a committed allocation.
// Fails if token is unknown or its lease has expired
func (m *Manager) Allocate(ctx context.Context, token string) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved, found, err := m.store.Allocate(ctx, token)
	if err != nil {
		return Allocation{}, fmt.Errorf("resource[%s]: allocate: %w", m.site, err)
	}
	if !found {
		m.log.Warnf("allocate: unknown or expired token %s", token)
		return Allocation{}, ErrUnknownToken
	}
	return Allocation{Token: token, Request: resolved}, nil
}

// Free releases a committed allocation. An unknown token is logged and
// causes no state change.
func (m *Manager) Free(ctx context.Context, alloc Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, err := m.store.Free(ctx, alloc.Token)
	if err != nil {
		return fmt.Errorf("resource[%s]: free: %w", m.site, err)
	}
	if !found {
		m.log.Warnf("free: unknown token %s", alloc.Token)
	}
	return nil
}

// Capacity returns current per-kind capacity, for diagnostics and tests.
func (m *Manager) Capacity(ctx context.Context) (map[string]job.ResourceAmount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Capacity(ctx)
}

// Site returns the site name this Manager governs.
func (m *Manager) Site() string {
	return m.site
}
