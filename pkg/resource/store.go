// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package resource implements the per-site Resource Manager (C3): checks,
// reserves (token), allocates, cancels, and frees named resources.
package resource

import (
	"context"
	"time"

	"github.com/openfedcore/fedcore/pkg/job"
)

// DefaultGrace is the default lease duration for an unconverted
// check_resources reservation before it auto-expires.
const DefaultGrace = 30 * time.Second

// Allocation records a committed resource hold, returned by Allocate and
// required (together with its token) by Free.
type Allocation struct {
	Token   string
	Request job.ResourceRequest
}

// Store is the backend-agnostic two-phase reservation contract. A
// site-local ResourceManager wraps exactly one Store. Implementations must
// serialize Check/Cancel/Allocate/Free against each other for a given site
// (the ResourceManager holds the per-site lock; Store implementations only
// need to be safe under that single-writer discipline, not independently
// thread-safe against themselves).
type Store interface {
	// Capacity returns the currently declared capacity for each resource
	// kind at this site (already net of outstanding reservations and
	// allocations).
	Capacity(ctx context.Context) (map[string]job.ResourceAmount, error)

	// Reserve tentatively holds req against capacity and returns an opaque
	// token, leased for grace. Returns ok=false if insufficient capacity;
	// in that case no state changes.
	Reserve(ctx context.Context, req job.ResourceRequest, grace time.Duration) (token string, resolved job.ResourceRequest, ok bool, err error)

	// Cancel releases a tentative reservation, returning capacity. A
	// lookup miss (unknown or already-expired token) is not an error: it
	// is logged by the caller and causes no state change.
	Cancel(ctx context.Context, token string) (found bool, err error)

	// Allocate promotes a tentative reservation to a committed allocation.
	// Fails if token is unknown or its lease has expired.
	Allocate(ctx context.Context, token string) (resolved job.ResourceRequest, found bool, err error)

	// Free releases a committed allocation for token, returning capacity.
	Free(ctx context.Context, token string) (found bool, err error)
}
