// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package runner drives jobs through their lifecycle: it asks the
// scheduler for the next runnable job, deploys and starts the job's app on
// every reserved site, runs the server-side controller, and tears the run
// down — releasing resources on every exit path.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfedcore/fedcore/pkg/appconfig"
	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/controller"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/jobstore"
	"github.com/openfedcore/fedcore/pkg/metrics"
	"github.com/openfedcore/fedcore/pkg/scheduler"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// Picker is the scheduling surface the runner drives each tick.
type Picker interface {
	Pick(ctx context.Context, candidates []*job.Job) (*job.Job, map[string]scheduler.DispatchInfo)
	Release(jobID string)
	Adopt(jobID string)
}

// SiteControl is the per-site control surface used for dispatch and
// teardown. Implemented by gateway.Gateway.
type SiteControl interface {
	CancelResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error
	AllocateResources(ctx context.Context, site, jobID, token string, timeout time.Duration) (job.ResourceRequest, error)
	FreeResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error
	DeployApp(ctx context.Context, site, jobID, appName string, blob []byte, timeout time.Duration) error
	StartApp(ctx context.Context, site, jobID string, timeout time.Duration) error
	StopApp(ctx context.Context, site, jobID string, timeout time.Duration) error
	DeleteRun(ctx context.Context, site, jobID string, timeout time.Duration) error
}

// Options configures a Runner.
type Options struct {
	Store     jobstore.Store
	Scheduler Picker
	Sites     SiteControl
	Clients   scheduler.LiveLister
	Cell      transport.Cell
	Logic     *controller.LogicRegistry
	Filters   *filter.Registry

	// Server-side scope filter chains applied around every task's data and
	// results on top of the job's configured filters.
	ScopeDataFilters   *filter.Chain
	ScopeResultFilters *filter.Chain

	ReqTimeout    time.Duration // resource calls
	DeployTimeout time.Duration // deploy/start/stop calls
	TickInterval  time.Duration // lifecycle loop period
	FetchInterval time.Duration // TRY_AGAIN wait suggested to clients

	// SchedulePatience bounds how long a job may stay SUBMITTED before the
	// runner gives up on it with FINISHED_CANT_SCHEDULE. Zero disables the
	// bound.
	SchedulePatience time.Duration
}

// A Runner owns the lifecycle loop of one server instance.
type Runner struct {
	opts Options
	log  *clog.CLogger

	mu        sync.Mutex
	aborts    map[string]*signal.Signal // job id -> run-level abort signal
	firstSeen map[string]time.Time      // job id -> first tick observed SUBMITTED
}

// New returns a Runner ready for Run.
func New(opts Options) *Runner {
	if opts.ReqTimeout <= 0 {
		opts.ReqTimeout = time.Second
	}
	if opts.DeployTimeout <= 0 {
		opts.DeployTimeout = 10 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Runner{
		opts:      opts,
		log:       clog.New("runner "),
		aborts:    make(map[string]*signal.Signal),
		firstSeen: make(map[string]time.Time),
	}
}

// Run recovers stale scheduled jobs, then loops: list SUBMITTED jobs, ask
// the scheduler for the next runnable one, and execute it. Returns when
// ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.recover(ctx)

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// recover finalizes jobs left DISPATCHED or RUNNING by a previous server
// instance: their controllers are gone, so they are marked aborted. The
// job store is the authoritative source of job state across restarts.
func (r *Runner) recover(ctx context.Context) {
	for _, status := range []job.Status{job.Dispatched, job.Running} {
		jobs, err := r.opts.Store.List(ctx, jobstore.ListFilter{Status: status})
		if err != nil {
			r.log.Errorf("Recovery list for %s failed: %v", status, err)
			continue
		}
		for _, j := range jobs {
			r.log.Warnf("Recovering job %s stuck in %s from a previous run", j.ID, status)
			if err := r.setStatus(ctx, j.ID, job.FinishedAborted); err != nil {
				r.log.Errorf("Failed recovering job %s: %v", j.ID, err)
			}
		}
	}
}

// tick performs one pass of the lifecycle loop.
func (r *Runner) tick(ctx context.Context) {
	candidates, err := r.opts.Store.List(ctx, jobstore.ListFilter{Status: job.Submitted})
	if err != nil {
		r.log.Errorf("Listing submitted jobs failed: %v", err)
		return
	}

	candidates = r.applyPatience(ctx, candidates)
	if len(candidates) == 0 {
		return
	}

	picked, info := r.opts.Scheduler.Pick(ctx, candidates)
	if picked == nil {
		return
	}
	go r.execute(ctx, picked, info)
}

// applyPatience drops candidates that exceeded the scheduling patience,
// finalizing them with FINISHED_CANT_SCHEDULE.
func (r *Runner) applyPatience(ctx context.Context, candidates []*job.Job) []*job.Job {
	now := time.Now()
	out := candidates[:0]
	for _, j := range candidates {
		r.mu.Lock()
		seen, ok := r.firstSeen[j.ID]
		if !ok {
			r.firstSeen[j.ID] = now
			seen = now
		}
		r.mu.Unlock()

		if r.opts.SchedulePatience > 0 && now.Sub(seen) > r.opts.SchedulePatience {
			r.log.Warnf("Job %s unschedulable for %s, giving up", j.ID, now.Sub(seen))
			if err := r.setStatus(ctx, j.ID, job.FinishedCantSchedule); err != nil {
				r.log.Errorf("Failed finalizing unschedulable job %s: %v", j.ID, err)
			}
			r.forget(j.ID)
			continue
		}
		out = append(out, j)
	}
	return out
}

// forget clears per-job runner bookkeeping.
func (r *Runner) forget(jobID string) {
	r.mu.Lock()
	delete(r.firstSeen, jobID)
	delete(r.aborts, jobID)
	r.mu.Unlock()
}

// Abort requests an abort for jobID. Idempotent: aborting a finished or
// unknown job is a no-op. A SUBMITTED job is finalized immediately; a
// scheduled job's run-level signal is triggered and the executing
// goroutine handles teardown.
func (r *Runner) Abort(ctx context.Context, jobID string) error {
	r.mu.Lock()
	sig, active := r.aborts[jobID]
	r.mu.Unlock()
	if active {
		sig.Trigger()
		return nil
	}

	j, err := r.opts.Store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == job.Submitted {
		r.forget(jobID)
		return r.setStatus(ctx, jobID, job.FinishedCantSchedule)
	}
	return nil // already terminal, or owned by another instance
}

// dispatchState tracks the per-site progress of one execution.
type dispatchState struct {
	mu        sync.Mutex
	tokens    map[string]string // site -> reservation token (tentative)
	allocated map[string]string // site -> token (converted to allocation)
}

func (d *dispatchState) drop(site string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tokens, site)
	delete(d.allocated, site)
}

func (d *dispatchState) sites() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tokens))
	for site := range d.tokens {
		out = append(out, site)
	}
	return out
}

// viable reports whether the surviving sites still satisfy the job's
// minimum and required site constraints.
func (d *dispatchState) viable(j *job.Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tokens) < j.MinSites {
		return false
	}
	for _, required := range j.RequiredSites {
		if _, ok := d.tokens[required]; !ok {
			return false
		}
	}
	return true
}

// execute drives one scheduled job from DISPATCHED to a terminal status.
// The runner owns the reservation tokens from here on and eventually
// allocates or cancels every one of them.
func (r *Runner) execute(ctx context.Context, j *job.Job, info map[string]scheduler.DispatchInfo) {
	abort := signal.New()
	r.mu.Lock()
	r.aborts[j.ID] = abort
	r.mu.Unlock()

	defer func() {
		r.opts.Scheduler.Release(j.ID)
		r.forget(j.ID)
	}()

	state := &dispatchState{tokens: make(map[string]string), allocated: make(map[string]string)}
	for site, di := range info {
		state.tokens[site] = di.Token
	}

	if err := r.setStatus(ctx, j.ID, job.Dispatched); err != nil {
		r.log.Errorf("Job %s: failed moving to DISPATCHED: %v", j.ID, err)
		r.cancelAll(j.ID, state)
		return
	}

	content, err := r.opts.Store.GetContent(ctx, j.ID)
	if err != nil {
		r.log.Errorf("Job %s: failed loading app payload: %v", j.ID, err)
		r.cancelAll(j.ID, state)
		r.finish(ctx, j, job.FinishedCantSchedule, nil)
		return
	}

	// Deploy to every reserved site; a site that fails its ack is dropped
	// and its reservation cancelled.
	g, gctx := errgroup.WithContext(ctx)
	for _, site := range state.sites() {
		site := site
		appName := appForSite(j, site)
		g.Go(func() error {
			if err := r.opts.Sites.DeployApp(gctx, site, j.ID, appName, content, r.opts.DeployTimeout); err != nil {
				r.log.Errorf("Job %s: deploy to %s failed: %v", j.ID, site, err)
				r.cancelSite(j.ID, site, state)
			}
			return nil
		})
	}
	_ = g.Wait()

	if abort.Triggered() || !state.viable(j) {
		status := job.FinishedCantSchedule
		if abort.Triggered() {
			status = job.FinishedAborted
		}
		r.cancelAll(j.ID, state)
		r.finish(ctx, j, status, nil)
		return
	}

	// Convert every surviving reservation to an allocation and start the
	// app. Failures drop the site.
	g, gctx = errgroup.WithContext(ctx)
	for _, site := range state.sites() {
		site := site
		token := state.tokens[site]
		g.Go(func() error {
			if _, err := r.opts.Sites.AllocateResources(gctx, site, j.ID, token, r.opts.ReqTimeout); err != nil {
				r.log.Errorf("Job %s: allocate on %s failed: %v", j.ID, site, err)
				r.cancelSite(j.ID, site, state)
				return nil
			}
			state.mu.Lock()
			state.allocated[site] = token
			state.mu.Unlock()

			if err := r.opts.Sites.StartApp(gctx, site, j.ID, r.opts.DeployTimeout); err != nil {
				r.log.Errorf("Job %s: start on %s failed: %v", j.ID, site, err)
				r.freeSite(j.ID, site, state)
			}
			return nil
		})
	}
	_ = g.Wait()

	if abort.Triggered() || !state.viable(j) {
		status := job.FinishedCantSchedule
		if abort.Triggered() {
			status = job.FinishedAborted
		}
		r.teardown(j, state)
		r.finish(ctx, j, status, nil)
		return
	}

	// Start the server-side controller with the resolved client set.
	ctrl, logic, err := r.buildController(content, j, state.sites(), abort)
	if err != nil {
		r.log.Errorf("Job %s: failed building controller: %v", j.ID, err)
		r.teardown(j, state)
		r.finish(ctx, j, job.FinishedExecutionException, nil)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if err := ctrl.Start(runCtx); err != nil {
		r.log.Errorf("Job %s: failed starting controller: %v", j.ID, err)
		r.teardown(j, state)
		r.finish(ctx, j, job.FinishedExecutionException, nil)
		return
	}

	start := time.Now()
	if err := r.setStatus(ctx, j.ID, job.Running); err != nil {
		r.log.Errorf("Job %s: failed moving to RUNNING: %v", j.ID, err)
		r.teardown(j, state)
		return
	}
	r.setStartTime(ctx, j.ID, start)
	r.log.Printf("Job %s RUNNING on %d sites", j.ID, len(state.sites()))

	logicDone := make(chan error, 1)
	go func() { logicDone <- logic.Run(runCtx, ctrl) }()

	logicErr := r.monitor(runCtx, j, abort, logicDone)

	ctrl.Drain()
	r.teardown(j, state)

	switch {
	case abort.Triggered():
		r.finish(ctx, j, job.FinishedAborted, &start)
	case logicErr != nil:
		r.log.Errorf("Job %s: controller logic failed: %v", j.ID, logicErr)
		r.finish(ctx, j, job.FinishedExecutionException, &start)
	default:
		r.finish(ctx, j, job.FinishedCompleted, &start)
	}
}

// monitor waits for controller completion or an external abort, watching
// client liveness: a running job whose participating sites are all DEAD is
// aborted.
func (r *Runner) monitor(ctx context.Context, j *job.Job, abort *signal.Signal, logicDone <-chan error) error {
	liveCheck := time.NewTicker(r.opts.TickInterval)
	defer liveCheck.Stop()

	for {
		select {
		case err := <-logicDone:
			return err
		case <-abort.Done():
			// Give the logic a moment to observe the signal, then stop
			// waiting for it.
			select {
			case err := <-logicDone:
				return err
			case <-time.After(r.opts.DeployTimeout):
				return nil
			}
		case <-ctx.Done():
			abort.Trigger()
			return ctx.Err()
		case <-liveCheck.C:
			if r.opts.Clients == nil {
				continue
			}
			live := make(map[string]struct{})
			for _, name := range r.opts.Clients.Live() {
				live[name] = struct{}{}
			}
			anyAlive := false
			for _, site := range j.ClientSites() {
				if _, ok := live[site]; ok {
					anyAlive = true
					break
				}
			}
			if !anyAlive {
				r.log.Errorf("Job %s: all participating clients are DEAD, aborting", j.ID)
				abort.Trigger()
			}
		}
	}
}

// buildController parses the server-side app config out of the payload and
// instantiates the configured logic and filter chains.
func (r *Runner) buildController(content []byte, j *job.Job, clients []string, abort *signal.Signal) (*controller.Controller, controller.Logic, error) {
	var cfg appconfig.ServerConfig
	if err := appconfig.ReadFromZip(content, appconfig.ServerConfigFile, &cfg); err != nil {
		return nil, nil, err
	}
	if r.opts.Logic == nil {
		return nil, nil, errors.New("runner: no logic registry configured")
	}
	logic, err := r.opts.Logic.Build(cfg.Controller.Name, cfg.Controller.Args)
	if err != nil {
		return nil, nil, err
	}

	filters := r.opts.Filters
	if filters == nil {
		filters = filter.NewRegistry()
	}
	dataFilters, err := appconfig.BuildFilterSet(filters, r.opts.ScopeDataFilters, cfg.TaskDataFilters)
	if err != nil {
		return nil, nil, err
	}
	resultFilters, err := appconfig.BuildFilterSet(filters, r.opts.ScopeResultFilters, cfg.TaskResultFilters)
	if err != nil {
		return nil, nil, err
	}

	ctrl := controller.New(r.opts.Cell, controller.Options{
		JobID:         j.ID,
		Clients:       clients,
		Abort:         abort,
		FetchInterval: r.opts.FetchInterval,
		DataFilters:   dataFilters,
		ResultFilters: resultFilters,
	})
	return ctrl, logic, nil
}

// cancelSite cancels one site's tentative reservation, best-effort.
func (r *Runner) cancelSite(jobID, site string, state *dispatchState) {
	state.mu.Lock()
	token := state.tokens[site]
	state.mu.Unlock()
	state.drop(site)
	if token == "" {
		return
	}
	if err := r.opts.Sites.CancelResources(context.Background(), site, jobID, token, r.opts.ReqTimeout); err != nil {
		r.log.Errorf("Job %s: failed cancelling reservation on %s: %v", jobID, site, err)
	}
}

// freeSite frees one site's allocation, best-effort.
func (r *Runner) freeSite(jobID, site string, state *dispatchState) {
	state.mu.Lock()
	token := state.allocated[site]
	state.mu.Unlock()
	state.drop(site)
	if token == "" {
		return
	}
	if err := r.opts.Sites.FreeResources(context.Background(), site, jobID, token, r.opts.ReqTimeout); err != nil {
		r.log.Errorf("Job %s: failed freeing allocation on %s: %v", jobID, site, err)
	}
}

// cancelAll cancels every remaining tentative reservation.
func (r *Runner) cancelAll(jobID string, state *dispatchState) {
	var wg sync.WaitGroup
	for _, site := range state.sites() {
		wg.Add(1)
		go func(site string) {
			defer wg.Done()
			r.cancelSite(jobID, site, state)
		}(site)
	}
	wg.Wait()
}

// teardown stops the app and frees the allocation on every allocated site
// in parallel, best-effort, logged on failure. Sites that were reserved
// but never allocated are cancelled instead.
func (r *Runner) teardown(j *job.Job, state *dispatchState) {
	state.mu.Lock()
	allocated := make(map[string]string, len(state.allocated))
	for site, token := range state.allocated {
		allocated[site] = token
	}
	pending := make(map[string]string)
	for site, token := range state.tokens {
		if _, ok := allocated[site]; !ok {
			pending[site] = token
		}
	}
	state.mu.Unlock()

	var wg sync.WaitGroup
	for site, token := range allocated {
		wg.Add(1)
		go func(site, token string) {
			defer wg.Done()
			if err := r.opts.Sites.StopApp(context.Background(), site, j.ID, r.opts.DeployTimeout); err != nil {
				r.log.Errorf("Job %s: failed stopping app on %s: %v", j.ID, site, err)
			}
			if err := r.opts.Sites.FreeResources(context.Background(), site, j.ID, token, r.opts.ReqTimeout); err != nil {
				r.log.Errorf("Job %s: failed freeing allocation on %s: %v", j.ID, site, err)
			}
		}(site, token)
	}
	for site := range pending {
		wg.Add(1)
		go func(site string) {
			defer wg.Done()
			r.cancelSite(j.ID, site, state)
		}(site)
	}
	wg.Wait()
}

// finish records the terminal status and duration.
func (r *Runner) finish(ctx context.Context, j *job.Job, status job.Status, start *time.Time) {
	if err := r.setStatus(ctx, j.ID, status); err != nil {
		r.log.Errorf("Job %s: failed moving to %s: %v", j.ID, status, err)
		return
	}
	if start != nil {
		r.setDuration(ctx, j.ID, time.Since(*start))
	}
	metrics.JobsByTerminalStatus.WithLabelValues(string(status)).Inc()
	r.log.Printf("Job %s finished with %s", j.ID, status)
}

// setStatus applies a status transition with a bounded optimistic-retry
// loop: a concurrent writer bumps the revision, so re-read and retry.
func (r *Runner) setStatus(ctx context.Context, jobID string, status job.Status) error {
	for attempt := 0; attempt < 5; attempt++ {
		j, err := r.opts.Store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status == status {
			return nil
		}
		err = r.opts.Store.SetStatus(ctx, jobID, j.Revision, status)
		if err == nil {
			return nil
		}
		if !errors.Is(err, job.ErrRevisionConflict) {
			return err
		}
	}
	return fmt.Errorf("runner: giving up on status %s for job %s after repeated revision conflicts", status, jobID)
}

func (r *Runner) setStartTime(ctx context.Context, jobID string, start time.Time) {
	for attempt := 0; attempt < 5; attempt++ {
		j, err := r.opts.Store.Get(ctx, jobID)
		if err != nil {
			return
		}
		err = r.opts.Store.SetProperty(ctx, jobID, j.Revision, func(j *job.Job) {
			t := start
			j.StartTime = &t
		})
		if err == nil || !errors.Is(err, job.ErrRevisionConflict) {
			return
		}
	}
}

func (r *Runner) setDuration(ctx context.Context, jobID string, d time.Duration) {
	for attempt := 0; attempt < 5; attempt++ {
		j, err := r.opts.Store.Get(ctx, jobID)
		if err != nil {
			return
		}
		err = r.opts.Store.SetProperty(ctx, jobID, j.Revision, func(j *job.Job) {
			j.Duration = d
		})
		if err == nil || !errors.Is(err, job.ErrRevisionConflict) {
			return
		}
	}
}

// appForSite resolves which app of the deploy map is destined for site,
// falling back to the app deployed to the reserved server site.
func appForSite(j *job.Job, site string) string {
	for app, sites := range j.DeployMap {
		for _, s := range sites {
			if s == site {
				return app
			}
		}
	}
	for app, sites := range j.DeployMap {
		for _, s := range sites {
			if s == job.ReservedSite {
				return app
			}
		}
	}
	return ""
}
