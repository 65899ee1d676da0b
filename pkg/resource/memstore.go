// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package resource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfedcore/fedcore/pkg/job"
)

// MemStore is the default, single-process Store backend: a single mutex
// guards in-memory pools, and no I/O is performed while it is held.
type MemStore struct {
	mu          sync.Mutex
	divisible   map[string]int      // kind -> available count
	indivisible map[string][]string // kind -> available ids
	holds       map[string]*hold    // token -> tentative or allocated hold
}

type hold struct {
	resolved  job.ResourceRequest
	allocated bool
	timer     *time.Timer
}

// NewMemStore returns a MemStore whose declared capacity is cap: a
// ResourceAmount with Count>0 declares a divisible pool of that size; one
// with a non-nil IDs slice declares an indivisible pool of those element
// ids (e.g. gpu ids "0","1").
func NewMemStore(capacity map[string]job.ResourceAmount) *MemStore {
	s := &MemStore{
		divisible:   make(map[string]int),
		indivisible: make(map[string][]string),
		holds:       make(map[string]*hold),
	}
	for kind, amt := range capacity {
		if amt.IDs != nil {
			s.indivisible[kind] = append([]string(nil), amt.IDs...)
		} else {
			s.divisible[kind] = amt.Count
		}
	}
	return s
}

func (s *MemStore) Capacity(ctx context.Context) (map[string]job.ResourceAmount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]job.ResourceAmount, len(s.divisible)+len(s.indivisible))
	for kind, n := range s.divisible {
		out[kind] = job.ResourceAmount{Count: n}
	}
	for kind, ids := range s.indivisible {
		out[kind] = job.ResourceAmount{IDs: append([]string(nil), ids...)}
	}
	return out, nil
}

func (s *MemStore) Reserve(ctx context.Context, req job.ResourceRequest, grace time.Duration) (string, job.ResourceRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := make(job.ResourceRequest, len(req))
	// First pass: verify every kind is satisfiable before mutating any pool,
	// so a failure on a later kind never leaves an earlier one consumed.
	for kind, amt := range req {
		if ids, isSet := s.indivisible[kind]; isSet {
			if len(ids) < amt.Count {
				return "", nil, false, nil
			}
			continue
		}
		if s.divisible[kind] < amt.Count {
			return "", nil, false, nil
		}
	}

	for kind, amt := range req {
		if ids, isSet := s.indivisible[kind]; isSet {
			taken := append([]string(nil), ids[:amt.Count]...)
			s.indivisible[kind] = ids[amt.Count:]
			resolved[kind] = job.ResourceAmount{IDs: taken, Count: len(taken)}
			continue
		}
		s.divisible[kind] -= amt.Count
		resolved[kind] = job.ResourceAmount{Count: amt.Count}
	}

	token := uuid.NewString()
	h := &hold{resolved: resolved}
	h.timer = time.AfterFunc(grace, func() { s.expire(token) })
	s.holds[token] = h

	return token, resolved, true, nil
}

// expire releases a tentative hold that was never cancelled or allocated
// within its grace period. A no-op if the hold has since been
// allocated/cancelled/freed.
func (s *MemStore) expire(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[token]
	if !ok || h.allocated {
		return
	}
	s.release(h.resolved)
	delete(s.holds, token)
}

func (s *MemStore) release(resolved job.ResourceRequest) {
	for kind, amt := range resolved {
		if amt.IDs != nil {
			s.indivisible[kind] = append(s.indivisible[kind], amt.IDs...)
			continue
		}
		s.divisible[kind] += amt.Count
	}
}

func (s *MemStore) Cancel(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[token]
	if !ok || h.allocated {
		return false, nil
	}
	h.timer.Stop()
	s.release(h.resolved)
	delete(s.holds, token)
	return true, nil
}

func (s *MemStore) Allocate(ctx context.Context, token string) (job.ResourceRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[token]
	if !ok || h.allocated {
		return nil, false, nil
	}
	h.timer.Stop()
	h.allocated = true
	return h.resolved, true, nil
}

func (s *MemStore) Free(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[token]
	if !ok || !h.allocated {
		return false, nil
	}
	s.release(h.resolved)
	delete(s.holds, token)
	return true, nil
}
