// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package scheduler picks the next runnable job from a FIFO candidate list
// and performs the cross-site tentative reservation that precedes dispatch.
// Partial reservations are always rolled back: after a Pick returns, either
// the selected job holds a token on every reserved site, or no site retains
// a reservation created by this attempt.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/metrics"
	"github.com/openfedcore/fedcore/pkg/protocol"
)

// ResourceClient is the per-site reservation surface the scheduler fans
// out over. Implemented by gateway.Gateway in production and by fakes in
// tests.
type ResourceClient interface {
	CheckResources(ctx context.Context, site, jobID string, req job.ResourceRequest, timeout time.Duration) (protocol.CheckResourcesReply, error)
	CancelResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error
}

// LiveLister reports the names of clients currently alive. Implemented by
// the client registry.
type LiveLister interface {
	Live() []string
}

// DispatchInfo is what the scheduler hands the job runner per reserved
// site: the resolved requirements and the reservation token the runner now
// owns and must eventually allocate or cancel.
type DispatchInfo struct {
	Requirements job.ResourceRequest
	Token        string
}

// A Scheduler holds the active-job set and the max_concurrent_jobs check
// under a single lock.
type Scheduler struct {
	resources  ResourceClient
	clients    LiveLister
	maxJobs    int
	reqTimeout time.Duration
	log        *clog.CLogger

	mu     sync.Mutex
	active map[string]struct{} // job ids currently DISPATCHED or RUNNING
}

// New returns a Scheduler that fans reservation checks out through
// resources with the given per-site timeout, admitting at most maxJobs
// concurrently scheduled jobs.
func New(resources ResourceClient, clients LiveLister, maxJobs int, reqTimeout time.Duration) *Scheduler {
	return &Scheduler{
		resources:  resources,
		clients:    clients,
		maxJobs:    maxJobs,
		reqTimeout: reqTimeout,
		log:        clog.New("scheduler "),
		active:     make(map[string]struct{}),
	}
}

// Pick considers candidates in order (callers pass them FIFO by
// submit_time) and returns the first job whose reservation succeeds, plus
// its per-site dispatch info. Returns (nil, nil) when no candidate can be
// placed this tick. A candidate that fails is not skipped permanently; it
// simply fails this attempt and is retried on the next tick.
func (s *Scheduler) Pick(ctx context.Context, candidates []*job.Job) (*job.Job, map[string]DispatchInfo) {
	s.mu.Lock()
	atCapacity := len(s.active) >= s.maxJobs
	s.mu.Unlock()
	if atCapacity {
		metrics.ScheduleAttempts.WithLabelValues("at_capacity").Inc()
		return nil, nil
	}

	live := make(map[string]struct{})
	for _, name := range s.clients.Live() {
		live[name] = struct{}{}
	}

	for _, candidate := range candidates {
		if info, ok := s.tryReserve(ctx, candidate, live); ok {
			s.mu.Lock()
			// Recheck capacity and at-most-once under the lock: another
			// worker may have scheduled a job while the fan-out ran.
			if len(s.active) >= s.maxJobs {
				s.mu.Unlock()
				s.rollback(candidate, info)
				metrics.ScheduleAttempts.WithLabelValues("at_capacity").Inc()
				return nil, nil
			}
			if _, dup := s.active[candidate.ID]; dup {
				s.mu.Unlock()
				s.rollback(candidate, info)
				continue
			}
			s.active[candidate.ID] = struct{}{}
			s.mu.Unlock()

			metrics.ScheduleAttempts.WithLabelValues("scheduled").Inc()
			metrics.RunningJobs.Set(float64(s.ActiveCount()))
			return candidate, info
		}
	}

	metrics.ScheduleAttempts.WithLabelValues("deferred").Inc()
	return nil, nil
}

// tryReserve fans check_resources out to every live site in the job's
// resource spec in parallel, waiting for all replies or their timeouts
// before deciding. On an insufficient outcome every reservation that did
// succeed is cancelled best-effort.
func (s *Scheduler) tryReserve(ctx context.Context, j *job.Job, live map[string]struct{}) (map[string]DispatchInfo, bool) {
	type reservation struct {
		site string
		info DispatchInfo
	}

	var mu sync.Mutex
	var reserved []reservation

	g, gctx := errgroup.WithContext(ctx)
	for site, req := range j.ResourceSpec {
		if site == job.ReservedSite {
			continue // server resources are assumed unlimited
		}
		if _, ok := live[site]; !ok {
			continue
		}
		site, req := site, req
		g.Go(func() error {
			reply, err := s.resources.CheckResources(gctx, site, j.ID, req, s.reqTimeout)
			if err != nil {
				s.log.Printf("job %s: site %s non-responsive: %v", j.ID, site, err)
				return nil // non-responsive sites just don't count
			}
			if !reply.OK {
				s.log.Printf("job %s: site %s has insufficient resources", j.ID, site)
				return nil
			}
			mu.Lock()
			reserved = append(reserved, reservation{site: site, info: DispatchInfo{Requirements: reply.Resolved, Token: reply.Token}})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	info := make(map[string]DispatchInfo, len(reserved))
	for _, r := range reserved {
		info[r.site] = r.info
	}

	if len(info) < j.MinSites || !coversRequired(info, j.RequiredSites) {
		s.rollback(j, info)
		return nil, false
	}
	return info, true
}

// coversRequired reports whether every required site holds a reservation.
func coversRequired(info map[string]DispatchInfo, required []string) bool {
	for _, site := range required {
		if _, ok := info[site]; !ok {
			return false
		}
	}
	return true
}

// rollback cancels every reservation in info, best-effort and in parallel.
// The scheduler is the sole party entitled to roll back reservations it
// created; once Pick returns a job, its tokens belong to the runner.
func (s *Scheduler) rollback(j *job.Job, info map[string]DispatchInfo) {
	var wg sync.WaitGroup
	for site, di := range info {
		wg.Add(1)
		go func(site, token string) {
			defer wg.Done()
			if err := s.resources.CancelResources(context.Background(), site, j.ID, token, s.reqTimeout); err != nil {
				s.log.Errorf("job %s: failed cancelling reservation on %s: %v", j.ID, site, err)
			}
		}(site, di.Token)
	}
	wg.Wait()
}

// Release removes jobID from the active set once it reaches a terminal
// status.
func (s *Scheduler) Release(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
	metrics.RunningJobs.Set(float64(s.ActiveCount()))
}

// Adopt re-adds a job to the active set without reserving. The runner's
// startup recovery does not call it: jobs found DISPATCHED or RUNNING in
// the store at startup are finalized FINISHED_ABORTED instead.
func (s *Scheduler) Adopt(jobID string) {
	s.mu.Lock()
	s.active[jobID] = struct{}{}
	s.mu.Unlock()
	metrics.RunningJobs.Set(float64(s.ActiveCount()))
}

// SetMaxConcurrent adjusts the max_concurrent_jobs bound at runtime, for
// configuration hot reload. Already-running jobs are never preempted; a
// lowered bound only throttles future picks.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.maxJobs = n
	s.mu.Unlock()
}

// ActiveCount returns the number of currently scheduled jobs.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
