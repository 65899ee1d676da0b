// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package runner

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/controller"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/jobstore"
	"github.com/openfedcore/fedcore/pkg/scheduler"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// fakeSites records per-site control calls and can be programmed to fail.
type fakeSites struct {
	mu          sync.Mutex
	failDeploy  map[string]bool
	failStart   map[string]bool
	deployed    []string
	allocated   []string
	freed       []string
	cancelled   []string
	stopped     []string
}

func newFakeSites() *fakeSites {
	return &fakeSites{failDeploy: make(map[string]bool), failStart: make(map[string]bool)}
}

func (f *fakeSites) record(list *[]string, site string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*list = append(*list, site)
}

func (f *fakeSites) count(list *[]string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(*list)
}

func (f *fakeSites) CancelResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error {
	f.record(&f.cancelled, site)
	return nil
}

func (f *fakeSites) AllocateResources(ctx context.Context, site, jobID, token string, timeout time.Duration) (job.ResourceRequest, error) {
	f.record(&f.allocated, site)
	return job.ResourceRequest{}, nil
}

func (f *fakeSites) FreeResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error {
	f.record(&f.freed, site)
	return nil
}

func (f *fakeSites) DeployApp(ctx context.Context, site, jobID, appName string, blob []byte, timeout time.Duration) error {
	f.mu.Lock()
	fail := f.failDeploy[site]
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("deploy refused by %s", site)
	}
	f.record(&f.deployed, site)
	return nil
}

func (f *fakeSites) StartApp(ctx context.Context, site, jobID string, timeout time.Duration) error {
	f.mu.Lock()
	fail := f.failStart[site]
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("start refused by %s", site)
	}
	return nil
}

func (f *fakeSites) StopApp(ctx context.Context, site, jobID string, timeout time.Duration) error {
	f.record(&f.stopped, site)
	return nil
}

func (f *fakeSites) DeleteRun(ctx context.Context, site, jobID string, timeout time.Duration) error {
	return nil
}

// fakePicker hands out one scripted pick.
type fakePicker struct {
	mu       sync.Mutex
	released []string
}

func (f *fakePicker) Pick(ctx context.Context, candidates []*job.Job) (*job.Job, map[string]scheduler.DispatchInfo) {
	return nil, nil
}

func (f *fakePicker) Release(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
}

func (f *fakePicker) Adopt(jobID string) {}

type fakeLive []string

func (f fakeLive) Live() []string { return f }

// noopLogic completes immediately; blockingLogic waits for abort.
type noopLogic struct{}

func (noopLogic) Name() string                                          { return "noop" }
func (noopLogic) Run(ctx context.Context, c *controller.Controller) error { return nil }

type blockingLogic struct{}

func (blockingLogic) Name() string { return "blocking" }
func (blockingLogic) Run(ctx context.Context, c *controller.Controller) error {
	select {
	case <-c.Abort().Done():
	case <-ctx.Done():
	}
	return nil
}

// appPayload builds a minimal zipped app carrying the server config.
func appPayload(t *testing.T, logicName string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("app/config/config_fed_server.json")
	require.NoError(t, err)
	cfg := map[string]any{"controller": map[string]any{"name": logicName}}
	require.NoError(t, json.NewEncoder(w).Encode(cfg))
	cw, err := zw.Create("app/config/config_fed_client.json")
	require.NoError(t, err)
	clientCfg := map[string]any{"executors": []map[string]any{{"tasks": []string{"*"}, "name": "noop"}}}
	require.NoError(t, json.NewEncoder(cw).Encode(clientCfg))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testJob(id string, minSites int, required ...string) *job.Job {
	return &job.Job{
		ID:        id,
		Name:      id,
		DeployMap: map[string][]string{"app": {job.ReservedSite, "site-a", "site-b", "site-c"}},
		ResourceSpec: map[string]job.ResourceRequest{
			"site-a": {"cpu": {Count: 1}},
			"site-b": {"cpu": {Count: 1}},
			"site-c": {"cpu": {Count: 1}},
		},
		MinSites:      minSites,
		RequiredSites: required,
		Status:        job.Submitted,
		SubmitTime:    time.Now(),
	}
}

func dispatchInfo(sites ...string) map[string]scheduler.DispatchInfo {
	info := make(map[string]scheduler.DispatchInfo, len(sites))
	for i, site := range sites {
		info[site] = scheduler.DispatchInfo{Token: fmt.Sprintf("tok-%d", i+1)}
	}
	return info
}

func newTestRunner(t *testing.T, store jobstore.Store, sites SiteControl, picker Picker) *Runner {
	t.Helper()
	logic := controller.NewLogicRegistry()
	logic.Register("noop", func(args map[string]any) (controller.Logic, error) { return noopLogic{}, nil })
	logic.Register("blocking", func(args map[string]any) (controller.Logic, error) { return blockingLogic{}, nil })

	return New(Options{
		Store:         store,
		Scheduler:     picker,
		Sites:         sites,
		Clients:       fakeLive{"site-a", "site-b", "site-c"},
		Cell:          transport.NewFakeCell(),
		Logic:         logic,
		ReqTimeout:    200 * time.Millisecond,
		DeployTimeout: 500 * time.Millisecond,
		TickInterval:  50 * time.Millisecond,
	})
}

func submitJob(t *testing.T, store jobstore.Store, j *job.Job, logicName string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, store.PutContent(ctx, j.ID, appPayload(t, logicName)))
}

func awaitStatus(t *testing.T, store jobstore.Store, jobID string, want job.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), jobID)
		return err == nil && j.Status == want
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", jobID, want)
}

func TestExecuteHappyPath(t *testing.T) {
	store := jobstore.NewMemStore()
	sites := newFakeSites()
	picker := &fakePicker{}
	r := newTestRunner(t, store, sites, picker)

	j := testJob("j1", 3, "site-a", "site-b", "site-c")
	submitJob(t, store, j, "noop")

	r.execute(context.Background(), j, dispatchInfo("site-a", "site-b", "site-c"))

	awaitStatus(t, store, "j1", job.FinishedCompleted)
	assert.Equal(t, 3, sites.count(&sites.deployed))
	assert.Equal(t, 3, sites.count(&sites.allocated))
	assert.Equal(t, 3, sites.count(&sites.freed), "every allocation must be freed on completion")
	assert.Equal(t, 3, sites.count(&sites.stopped))
	assert.Contains(t, picker.released, "j1")

	got, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.NotNil(t, got.StartTime)
}

func TestDeployFailureBelowMinSitesAbortsDispatch(t *testing.T) {
	store := jobstore.NewMemStore()
	sites := newFakeSites()
	sites.failDeploy["site-c"] = true
	picker := &fakePicker{}
	r := newTestRunner(t, store, sites, picker)

	j := testJob("j1", 3)
	submitJob(t, store, j, "noop")

	r.execute(context.Background(), j, dispatchInfo("site-a", "site-b", "site-c"))

	awaitStatus(t, store, "j1", job.FinishedCantSchedule)
	assert.Equal(t, 0, sites.count(&sites.allocated), "no allocation may happen after a failed dispatch")
	assert.Equal(t, 3, sites.count(&sites.cancelled), "all tentative reservations must be cancelled")
}

func TestDeployFailureWithSlackProceeds(t *testing.T) {
	store := jobstore.NewMemStore()
	sites := newFakeSites()
	sites.failDeploy["site-c"] = true
	picker := &fakePicker{}
	r := newTestRunner(t, store, sites, picker)

	j := testJob("j1", 2, "site-a")
	submitJob(t, store, j, "noop")

	r.execute(context.Background(), j, dispatchInfo("site-a", "site-b", "site-c"))

	awaitStatus(t, store, "j1", job.FinishedCompleted)
	assert.Equal(t, 2, sites.count(&sites.allocated))
	assert.Equal(t, 2, sites.count(&sites.freed))
	assert.Equal(t, 1, sites.count(&sites.cancelled), "the failed site's reservation must be cancelled")
}

func TestAbortDuringRun(t *testing.T) {
	store := jobstore.NewMemStore()
	sites := newFakeSites()
	picker := &fakePicker{}
	r := newTestRunner(t, store, sites, picker)

	j := testJob("j1", 3)
	submitJob(t, store, j, "blocking")

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.execute(context.Background(), j, dispatchInfo("site-a", "site-b", "site-c"))
	}()

	awaitStatus(t, store, "j1", job.Running)
	require.NoError(t, r.Abort(context.Background(), "j1"))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after abort")
	}
	awaitStatus(t, store, "j1", job.FinishedAborted)
	assert.Equal(t, 3, sites.count(&sites.freed), "allocations must be freed on abort")
}

func TestAbortSubmittedJob(t *testing.T) {
	store := jobstore.NewMemStore()
	r := newTestRunner(t, store, newFakeSites(), &fakePicker{})

	j := testJob("j1", 1)
	submitJob(t, store, j, "noop")

	require.NoError(t, r.Abort(context.Background(), "j1"))
	awaitStatus(t, store, "j1", job.FinishedCantSchedule)

	// Idempotent: aborting again is a no-op.
	require.NoError(t, r.Abort(context.Background(), "j1"))
}

func TestPatienceFinalizesUnschedulableJob(t *testing.T) {
	store := jobstore.NewMemStore()
	r := newTestRunner(t, store, newFakeSites(), &fakePicker{})
	r.opts.SchedulePatience = time.Millisecond

	j := testJob("j1", 3)
	submitJob(t, store, j, "noop")

	r.tick(context.Background()) // records first sighting
	time.Sleep(5 * time.Millisecond)
	r.tick(context.Background()) // patience exceeded

	awaitStatus(t, store, "j1", job.FinishedCantSchedule)
}

func TestRecoverFinalizesStaleJobs(t *testing.T) {
	store := jobstore.NewMemStore()
	ctx := context.Background()

	j := testJob("j1", 1)
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, store.SetStatus(ctx, "j1", 1, job.Dispatched))
	require.NoError(t, store.SetStatus(ctx, "j1", 2, job.Running))

	r := newTestRunner(t, store, newFakeSites(), &fakePicker{})
	r.recover(ctx)

	awaitStatus(t, store, "j1", job.FinishedAborted)
}
