// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/controller"
	"github.com/openfedcore/fedcore/pkg/executor"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/task"
	"github.com/openfedcore/fedcore/pkg/transport"
)

const testJob = "job-1"

// echoExecutor replies OK with the client's name as payload.
type echoExecutor struct {
	name string
}

func (e *echoExecutor) Execute(rctx shareable.RunContext, a *task.Assignment, abort *signal.Signal) (*shareable.Shareable, error) {
	out := shareable.New(e.name)
	out.Set("round", a.Data.GetString(shareable.HeaderCurrentRound))
	return out, nil
}

// blockingExecutor waits until its abort signal fires.
type blockingExecutor struct{}

func (e *blockingExecutor) Execute(rctx shareable.RunContext, a *task.Assignment, abort *signal.Signal) (*shareable.Shareable, error) {
	<-abort.Done()
	return shareable.New(nil), nil
}

func startController(t *testing.T, cell transport.Cell, clients []string, opts ...func(*controller.Options)) (*controller.Controller, context.CancelFunc) {
	t.Helper()
	o := controller.Options{
		JobID:         testJob,
		Clients:       clients,
		FetchInterval: 20 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	ctrl := controller.New(cell, o)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.Start(ctx))
	return ctrl, cancel
}

func startClient(t *testing.T, cell transport.Cell, name string, exec executor.Executor, opts ...func(*executor.RunOptions)) *executor.Run {
	t.Helper()
	o := executor.RunOptions{
		JobID:         testJob,
		ClientName:    name,
		Executors:     map[string]executor.Executor{executor.CatchAllTask: exec},
		FetchInterval: 10 * time.Millisecond,
		PollTimeout:   time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	run := executor.NewRun(cell, o)
	go func() { _ = run.Loop(context.Background()) }()
	return run
}

func TestBroadcastCollectsAllResponses(t *testing.T) {
	cell := transport.NewFakeCell()
	clients := []string{"site-a", "site-b", "site-c"}
	ctrl, cancel := startController(t, cell, clients)
	defer cancel()

	for _, name := range clients {
		startClient(t, cell, name, &echoExecutor{name: name})
	}

	results, err := ctrl.Broadcast(context.Background(), &task.Task{
		Name:         "train",
		Data:         shareable.New("weights"),
		MinResponses: 3,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)

	require.Len(t, results, 3)
	for _, name := range clients {
		require.NotNil(t, results[name], "missing result from %s", name)
		assert.Equal(t, shareable.OK, results[name].ReturnCode())
	}
	assert.Equal(t, 0, ctrl.StandingTasks())
}

func TestBroadcastAbortTerminates(t *testing.T) {
	cell := transport.NewFakeCell()
	clients := []string{"site-a"}
	abort := signal.New()
	ctrl, cancel := startController(t, cell, clients, func(o *controller.Options) { o.Abort = abort })
	defer cancel()

	run := startClient(t, cell, "site-a", &blockingExecutor{}, func(o *executor.RunOptions) {
		o.Abort = abort.Child()
	})
	_ = run

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Broadcast(context.Background(), &task.Task{
			Name:         "train",
			Data:         shareable.New(nil),
			MinResponses: 1,
			Timeout:      30 * time.Second,
		})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond) // let the client pull and block
	abort.Trigger()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, controller.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not observe the abort signal")
	}
	assert.Equal(t, 0, ctrl.StandingTasks())
}

// failFilter rejects every result passing through it.
type failFilter struct{}

func (f *failFilter) Name() string { return "reject" }
func (f *failFilter) Process(s *shareable.Shareable, ctx shareable.RunContext) (*shareable.Shareable, error) {
	return nil, errors.New("rejected")
}

func TestMinResponsesUnreachableSurfacesJobError(t *testing.T) {
	cell := transport.NewFakeCell()
	clients := []string{"site-a", "site-b"}
	// A result filter failure on the client maps to an error return code,
	// which never counts toward min_responses.
	ctrl, cancel := startController(t, cell, clients)
	defer cancel()

	startClient(t, cell, "site-a", &echoExecutor{name: "site-a"}, func(o *executor.RunOptions) {
		o.ResultFilters = filter.NewSet(filter.NewChain(&failFilter{}), nil)
	})
	startClient(t, cell, "site-b", &echoExecutor{name: "site-b"})

	results, err := ctrl.Broadcast(context.Background(), &task.Task{
		Name:         "train",
		Data:         shareable.New(nil),
		MinResponses: 2,
		Timeout:      10 * time.Second,
	})
	require.ErrorIs(t, err, controller.ErrMinResponsesUnreachable)

	require.NotNil(t, results["site-a"])
	assert.Equal(t, shareable.TaskResultFilterError, results["site-a"].ReturnCode())
}

// pullOnce performs one manual get_task_assignment round trip.
func pullOnce(t *testing.T, cell transport.Cell, client string) protocol.TaskPullReply {
	t.Helper()
	params, err := protocol.Marshal(protocol.TaskPull{JobID: testJob, ClientName: client})
	require.NoError(t, err)
	results, err := cell.PublishAction(context.Background(), transport.Action{
		Type:   transport.ForJob(transport.ActionTaskAssignment, testJob),
		ID:     uuid.NewString(),
		Source: client,
		Params: params,
	}, time.Second)
	require.NoError(t, err)
	res, ok := <-results
	require.True(t, ok, "no pull reply for %s", client)
	var reply protocol.TaskPullReply
	require.NoError(t, protocol.Unmarshal(res.Data, &reply))
	return reply
}

// submitOnce posts one result for taskID on behalf of client.
func submitOnce(t *testing.T, cell transport.Cell, client, taskID string, payload *shareable.Shareable) {
	t.Helper()
	encoded, err := shareable.Encode(payload)
	require.NoError(t, err)
	params, err := protocol.Marshal(protocol.TaskResult{
		JobID: testJob, ClientName: client, TaskID: taskID, Data: encoded,
	})
	require.NoError(t, err)
	results, err := cell.PublishAction(context.Background(), transport.Action{
		Type:   transport.ForJob(transport.ActionTaskResult, testJob),
		ID:     uuid.NewString(),
		Source: client,
		Params: params,
	}, time.Second)
	require.NoError(t, err)
	<-results
}

func TestDuplicateResultIsDropped(t *testing.T) {
	cell := transport.NewFakeCell()
	ctrl, cancel := startController(t, cell, []string{"site-a", "site-b"})
	defer cancel()

	done := make(chan map[string]*shareable.Shareable, 1)
	go func() {
		results, _ := ctrl.Broadcast(context.Background(), &task.Task{
			Name:         "train",
			Data:         shareable.New(nil),
			MinResponses: 2,
			Timeout:      10 * time.Second,
		})
		done <- results
	}()

	// site-a pulls and submits the same result twice; the duplicate must
	// be dropped without disturbing the tally.
	var replyA protocol.TaskPullReply
	require.Eventually(t, func() bool {
		replyA = pullOnce(t, cell, "site-a")
		return replyA.Kind == protocol.PullKindAssignment
	}, 5*time.Second, 20*time.Millisecond)

	first := shareable.New("first")
	submitOnce(t, cell, "site-a", replyA.TaskID, first)
	second := shareable.New("second")
	submitOnce(t, cell, "site-a", replyA.TaskID, second)

	var replyB protocol.TaskPullReply
	require.Eventually(t, func() bool {
		replyB = pullOnce(t, cell, "site-b")
		return replyB.Kind == protocol.PullKindAssignment
	}, 5*time.Second, 20*time.Millisecond)
	submitOnce(t, cell, "site-b", replyB.TaskID, shareable.New("b"))

	select {
	case results := <-done:
		require.Len(t, results, 2)
		assert.Equal(t, "first", results["site-a"].Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not complete")
	}
}

func TestPullAfterDrainReturnsEndRun(t *testing.T) {
	cell := transport.NewFakeCell()
	ctrl, cancel := startController(t, cell, []string{"site-a"})
	defer cancel()

	ctrl.Drain()
	reply := pullOnce(t, cell, "site-a")
	assert.Equal(t, protocol.PullKindEndRun, reply.Kind)
}

func TestPullWithNoTaskReturnsTryAgain(t *testing.T) {
	cell := transport.NewFakeCell()
	ctrl, cancel := startController(t, cell, []string{"site-a"})
	defer cancel()
	_ = ctrl

	reply := pullOnce(t, cell, "site-a")
	assert.Equal(t, protocol.PullKindTryAgain, reply.Kind)
	assert.Positive(t, reply.RetryAfterMs)
}

func TestSendSequentialSkipsSilentTarget(t *testing.T) {
	cell := transport.NewFakeCell()
	ctrl, cancel := startController(t, cell, []string{"site-silent", "site-b"})
	defer cancel()

	// Only site-b is polling; site-silent never pulls.
	startClient(t, cell, "site-b", &echoExecutor{name: "site-b"})

	client, result, err := ctrl.Send(context.Background(), &task.Task{
		Name:              "validate",
		Data:              shareable.New(nil),
		Targets:           []string{"site-silent", "site-b"},
		AssignmentTimeout: 150 * time.Millisecond,
		Timeout:           5 * time.Second,
	}, task.Sequential)
	require.NoError(t, err)
	assert.Equal(t, "site-b", client)
	assert.Equal(t, shareable.OK, result.ReturnCode())
}

func TestRelayCarriesResultForward(t *testing.T) {
	cell := transport.NewFakeCell()
	clients := []string{"site-a", "site-b"}
	ctrl, cancel := startController(t, cell, clients)
	defer cancel()

	for _, name := range clients {
		startClient(t, cell, name, &echoExecutor{name: name})
	}

	final, err := ctrl.Relay(context.Background(), &task.Task{
		Name:              "pass",
		Data:              shareable.New("seed"),
		Targets:           clients,
		AssignmentTimeout: 2 * time.Second,
	}, task.Sequential, 5*time.Second, false)
	require.NoError(t, err)
	// The final result is the last hop's echo.
	assert.Equal(t, "site-b", final.Payload)
}
