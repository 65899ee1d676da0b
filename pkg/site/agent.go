// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package site implements the client-side agent of a participating site:
// it answers the server's resource reservation and run control calls,
// keeps the site's liveness visible through heartbeats, and owns the
// executor runs of jobs deployed to this site.
package site

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfedcore/fedcore/pkg/appconfig"
	"github.com/openfedcore/fedcore/pkg/auxmsg"
	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/executor"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/resource"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// TopicAbortTask is the aux topic carrying a task-level abort for one
// client: the current executor observes its child signal without the whole
// run being torn down.
const TopicAbortTask = "fedcore.abort_task"

// Options configures an Agent.
type Options struct {
	Name              string
	Organization      string
	Token             string
	WorkDir           string // deployed app payloads live here
	Resources         *resource.Manager
	Executors         *executor.Registry
	Filters           *filter.Registry
	ScopeDataFilters  *filter.Chain // site-level filters on task data
	ScopeResultFilters *filter.Chain // site-level filters on task results
	HeartbeatInterval time.Duration
	FetchInterval     time.Duration
}

// deployment records one deployed app payload.
type deployment struct {
	appName string
	blob    []byte
}

// runHandle tracks one active executor run.
type runHandle struct {
	run   *executor.Run
	abort *signal.Signal
	done  chan struct{}
}

// An Agent is one site's endpoint in the federation.
type Agent struct {
	opts Options
	cell transport.Cell
	bus  *auxmsg.Bus
	log  *clog.CLogger

	mu       sync.Mutex
	deployed map[string]deployment // job id -> payload
	runs     map[string]*runHandle // job id -> active run
}

// New returns an Agent ready for Start.
func New(cell transport.Cell, opts Options) *Agent {
	if opts.Token == "" {
		opts.Token = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	a := &Agent{
		opts:     opts,
		cell:     cell,
		bus:      auxmsg.NewBus(opts.Name, cell),
		log:      clog.New("site[%s] ", opts.Name),
		deployed: make(map[string]deployment),
		runs:     make(map[string]*runHandle),
	}
	a.bus.Handle(TopicAbortTask, a.handleAbortTask)
	return a
}

// Bus returns the agent's aux endpoint so local executors and admin
// handlers can register their own topics.
func (a *Agent) Bus() *auxmsg.Bus {
	return a.bus
}

// Token returns the agent's session token.
func (a *Agent) Token() string {
	return a.opts.Token
}

// Start announces the site, begins heartbeating, and subscribes every
// per-site control action. It returns immediately; the agent serves until
// ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return err
	}

	handlers := map[string]func(transport.ActionRequest){
		transport.ActionCheckResources:    a.handleCheck,
		transport.ActionCancelResources:   a.handleCancel,
		transport.ActionAllocateResources: a.handleAllocate,
		transport.ActionFreeResources:     a.handleFree,
		transport.ActionDeployApp:         a.handleDeploy,
		transport.ActionStartApp:          a.handleStart,
		transport.ActionStopApp:           a.handleStop,
		transport.ActionDeleteRun:         a.handleDelete,
	}
	for action, handler := range handlers {
		reqs, err := a.cell.SubscribeAction(ctx, transport.SubscriptionFilter{
			Type: transport.ForSite(action, a.opts.Name),
		})
		if err != nil {
			return err
		}
		handler := handler
		go func() {
			for req := range reqs {
				handler(req)
			}
		}()
	}

	a.announce(false)
	go a.heartbeatLoop(ctx)
	return nil
}

// announce publishes a join (or leave) event for this site.
func (a *Agent) announce(leave bool) {
	data, err := protocol.Marshal(protocol.Announce{
		Name:         a.opts.Name,
		Token:        a.opts.Token,
		Organization: a.opts.Organization,
		Leave:        leave,
	})
	if err != nil {
		return
	}
	if err := a.cell.PublishEvent(transport.Event{
		Type:   transport.EventClientAnnounce,
		ID:     uuid.NewString(),
		Source: a.opts.Name,
		Data:   data,
	}); err != nil {
		a.log.Errorf("Failed announcing: %v", err)
	}
}

// heartbeatLoop publishes liveness events until ctx is done, then sends a
// leave announcement.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.announce(true)
			return
		case <-ticker.C:
			data, err := protocol.Marshal(protocol.Heartbeat{Name: a.opts.Name, Token: a.opts.Token})
			if err != nil {
				continue
			}
			if err := a.cell.PublishEvent(transport.Event{
				Type:   transport.EventHeartbeat,
				ID:     uuid.NewString(),
				Source: a.opts.Name,
				Data:   data,
			}); err != nil {
				a.log.Warnf("Failed publishing heartbeat: %v", err)
			}
		}
	}
}

// reply marshals v and answers req, logging failures.
func (a *Agent) reply(req transport.ActionRequest, v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		a.log.Errorf("Failed encoding %s reply: %v", req.Type, err)
		return
	}
	if err := req.Reply(transport.ActionResult{Context: a.opts.Name, Data: data}); err != nil {
		a.log.Errorf("Failed replying to %s: %v", req.Type, err)
	}
}

func (a *Agent) handleCheck(req transport.ActionRequest) {
	var msg protocol.CheckResources
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.CheckResourcesReply{})
		return
	}
	ok, token, resolved, err := a.opts.Resources.Check(context.Background(), msg.Req)
	if err != nil {
		a.log.Errorf("check_resources for job %s: %v", msg.JobID, err)
		a.reply(req, protocol.CheckResourcesReply{})
		return
	}
	a.reply(req, protocol.CheckResourcesReply{OK: ok, Token: token, Resolved: resolved})
}

func (a *Agent) handleCancel(req transport.ActionRequest) {
	var msg protocol.CancelResources
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	if err := a.opts.Resources.Cancel(context.Background(), msg.Token); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	a.reply(req, protocol.Ack{OK: true})
}

func (a *Agent) handleAllocate(req transport.ActionRequest) {
	var msg protocol.AllocateResources
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.AllocateResourcesReply{Error: err.Error()})
		return
	}
	alloc, err := a.opts.Resources.Allocate(context.Background(), msg.Token)
	if err != nil {
		a.reply(req, protocol.AllocateResourcesReply{Error: err.Error()})
		return
	}
	a.reply(req, protocol.AllocateResourcesReply{OK: true, Allocation: alloc.Request})
}

func (a *Agent) handleFree(req transport.ActionRequest) {
	var msg protocol.FreeResources
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	if err := a.opts.Resources.Free(context.Background(), resource.Allocation{Token: msg.Token}); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	a.reply(req, protocol.Ack{OK: true})
}

func (a *Agent) handleDeploy(req transport.ActionRequest) {
	var msg protocol.DeployApp
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}

	if a.opts.WorkDir != "" {
		dir := filepath.Join(a.opts.WorkDir, msg.JobID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
			return
		}
		if err := os.WriteFile(filepath.Join(dir, msg.AppName+".zip"), msg.Blob, 0o644); err != nil {
			a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
			return
		}
	}

	a.mu.Lock()
	a.deployed[msg.JobID] = deployment{appName: msg.AppName, blob: msg.Blob}
	a.mu.Unlock()

	a.log.Printf("Deployed app %s for job %s (%d bytes)", msg.AppName, msg.JobID, len(msg.Blob))
	a.reply(req, protocol.Ack{OK: true})
}

func (a *Agent) handleStart(req transport.ActionRequest) {
	var msg protocol.StartApp
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	if err := a.startRun(msg.JobID); err != nil {
		a.log.Errorf("start_app for job %s: %v", msg.JobID, err)
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	a.reply(req, protocol.Ack{OK: true})
}

// startRun builds the executor bindings and filter sets from the deployed
// app's client configuration and launches the run loop.
func (a *Agent) startRun(jobID string) error {
	a.mu.Lock()
	dep, ok := a.deployed[jobID]
	if _, active := a.runs[jobID]; active {
		a.mu.Unlock()
		return fmt.Errorf("site: job %s is already running", jobID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("site: job %s has no deployed app", jobID)
	}

	var cfg appconfig.ClientConfig
	if err := appconfig.ReadFromZip(dep.blob, appconfig.ClientConfigFile, &cfg); err != nil {
		return err
	}

	executors := make(map[string]executor.Executor)
	for _, spec := range cfg.Executors {
		exec, err := a.opts.Executors.Build(spec.Name, spec.Args)
		if err != nil {
			return err
		}
		if len(spec.Tasks) == 0 {
			executors[executor.CatchAllTask] = exec
			continue
		}
		for _, taskName := range spec.Tasks {
			executors[taskName] = exec
		}
	}

	dataFilters, err := appconfig.BuildFilterSet(a.opts.Filters, a.opts.ScopeDataFilters, cfg.TaskDataFilters)
	if err != nil {
		return err
	}
	resultFilters, err := appconfig.BuildFilterSet(a.opts.Filters, a.opts.ScopeResultFilters, cfg.TaskResultFilters)
	if err != nil {
		return err
	}

	abort := signal.New()
	run := executor.NewRun(a.cell, executor.RunOptions{
		JobID:         jobID,
		ClientName:    a.opts.Name,
		Token:         a.opts.Token,
		Executors:     executors,
		DataFilters:   dataFilters,
		ResultFilters: resultFilters,
		Abort:         abort,
		FetchInterval: a.opts.FetchInterval,
	})

	handle := &runHandle{run: run, abort: abort, done: make(chan struct{})}
	a.mu.Lock()
	a.runs[jobID] = handle
	a.mu.Unlock()

	go func() {
		defer close(handle.done)
		if err := run.Loop(context.Background()); err != nil {
			a.log.Errorf("Run loop for job %s ended: %v", jobID, err)
		}
		a.mu.Lock()
		delete(a.runs, jobID)
		a.mu.Unlock()
	}()

	a.log.Printf("Started run for job %s", jobID)
	return nil
}

func (a *Agent) handleStop(req transport.ActionRequest) {
	var msg protocol.StopApp
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}

	a.mu.Lock()
	handle, ok := a.runs[msg.JobID]
	a.mu.Unlock()
	if ok {
		handle.abort.Trigger()
		select {
		case <-handle.done:
		case <-time.After(10 * time.Second):
			a.log.Warnf("Run for job %s did not stop within 10s", msg.JobID)
		}
	}
	a.reply(req, protocol.Ack{OK: true})
}

func (a *Agent) handleDelete(req transport.ActionRequest) {
	var msg protocol.DeleteRun
	if err := protocol.Unmarshal(req.Params, &msg); err != nil {
		a.reply(req, protocol.Ack{OK: false, Error: err.Error()})
		return
	}

	a.mu.Lock()
	delete(a.deployed, msg.JobID)
	a.mu.Unlock()
	if a.opts.WorkDir != "" {
		if err := os.RemoveAll(filepath.Join(a.opts.WorkDir, msg.JobID)); err != nil {
			a.log.Warnf("Failed removing workspace for job %s: %v", msg.JobID, err)
		}
	}
	a.reply(req, protocol.Ack{OK: true})
}

// handleAbortTask serves the task-level abort aux command for this client.
func (a *Agent) handleAbortTask(topic string, req *shareable.Shareable, rctx shareable.RunContext) *shareable.Shareable {
	jobID := rctx.JobID
	if jobID == "" {
		jobID = req.GetString(shareable.HeaderJobID)
	}

	a.mu.Lock()
	handle, ok := a.runs[jobID]
	a.mu.Unlock()

	out := shareable.New(nil)
	if !ok {
		a.log.Warnf("abort_task for job %s: no active run", jobID)
		out.SetReturnCode(shareable.ServiceUnavailable)
		return out
	}
	handle.run.AbortTask()
	a.log.Printf("Aborted current task for job %s", jobID)
	return out
}
