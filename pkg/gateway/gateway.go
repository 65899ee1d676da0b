// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package gateway provides the server's typed RPC client for per-site
// control calls: resource reservation, app deployment, and run control.
// Every call is a suspension point with an explicit timeout, routed over
// the transport Cell and wrapped in a per-site circuit breaker so a dead
// or flapping site fails fast instead of consuming a full timeout on
// every scheduling tick.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// ErrNoReply is returned when a site does not answer a control call within
// its timeout. Callers treat the site as non-responsive for this attempt.
var ErrNoReply = errors.New("gateway: no reply from site")

// A Gateway issues control calls to sites over the Cell.
type Gateway struct {
	cell transport.Cell
	log  *clog.CLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New returns a Gateway over cell.
func New(cell transport.Cell) *Gateway {
	return &Gateway{
		cell:     cell,
		log:      clog.New("gateway "),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker guarding calls to site, creating it
// on first use.
func (g *Gateway) breaker(site string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[site]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: site,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				g.log.Warnf("circuit breaker for site %s: %v -> %v", name, from, to)
			},
		})
		g.breakers[site] = cb
	}
	return cb
}

// call publishes one action addressed to site and decodes the first reply
// into out. A missing reply within timeout yields ErrNoReply.
func (g *Gateway) call(ctx context.Context, site, action string, payload any, out any, timeout time.Duration) error {
	params, err := protocol.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = g.breaker(site).Execute(func() (any, error) {
		results, err := g.cell.PublishAction(ctx, transport.Action{
			Type:   transport.ForSite(action, site),
			ID:     uuid.NewString(),
			Source: transport.ServerParticipant,
			Params: params,
		}, timeout)
		if err != nil {
			return nil, fmt.Errorf("gateway: %s to %s: %w", action, site, err)
		}

		res, ok := <-results
		if !ok {
			return nil, fmt.Errorf("gateway: %s to %s: %w", action, site, ErrNoReply)
		}
		if out != nil {
			if err := protocol.Unmarshal(res.Data, out); err != nil {
				return nil, fmt.Errorf("gateway: %s from %s: %w", action, site, err)
			}
		}
		return nil, nil
	})
	return err
}

// ackCall publishes an action whose reply is a generic Ack and converts a
// refused Ack into an error.
func (g *Gateway) ackCall(ctx context.Context, site, action string, payload any, timeout time.Duration) error {
	var ack protocol.Ack
	if err := g.call(ctx, site, action, payload, &ack, timeout); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("gateway: %s refused by %s: %s", action, site, ack.Error)
	}
	return nil
}

// CheckResources asks site to tentatively reserve req for jobID.
func (g *Gateway) CheckResources(ctx context.Context, site, jobID string, req job.ResourceRequest, timeout time.Duration) (protocol.CheckResourcesReply, error) {
	var reply protocol.CheckResourcesReply
	err := g.call(ctx, site, transport.ActionCheckResources, protocol.CheckResources{JobID: jobID, Req: req}, &reply, timeout)
	return reply, err
}

// CancelResources releases a tentative reservation on site. Best-effort:
// failures are logged by callers, never retried here.
func (g *Gateway) CancelResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error {
	return g.ackCall(ctx, site, transport.ActionCancelResources, protocol.CancelResources{JobID: jobID, Token: token}, timeout)
}

// AllocateResources promotes the tentative reservation held by token on
// site to a committed allocation.
func (g *Gateway) AllocateResources(ctx context.Context, site, jobID, token string, timeout time.Duration) (job.ResourceRequest, error) {
	var reply protocol.AllocateResourcesReply
	if err := g.call(ctx, site, transport.ActionAllocateResources, protocol.AllocateResources{JobID: jobID, Token: token}, &reply, timeout); err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, fmt.Errorf("gateway: allocate refused by %s: %s", site, reply.Error)
	}
	return reply.Allocation, nil
}

// FreeResources releases the committed allocation held by token on site.
func (g *Gateway) FreeResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error {
	return g.ackCall(ctx, site, transport.ActionFreeResources, protocol.FreeResources{JobID: jobID, Token: token}, timeout)
}

// DeployApp ships the job's app payload to site and awaits its ack.
func (g *Gateway) DeployApp(ctx context.Context, site, jobID, appName string, blob []byte, timeout time.Duration) error {
	return g.ackCall(ctx, site, transport.ActionDeployApp, protocol.DeployApp{JobID: jobID, AppName: appName, Blob: blob}, timeout)
}

// StartApp starts the deployed app for jobID on site.
func (g *Gateway) StartApp(ctx context.Context, site, jobID string, timeout time.Duration) error {
	return g.ackCall(ctx, site, transport.ActionStartApp, protocol.StartApp{JobID: jobID}, timeout)
}

// StopApp stops the running app for jobID on site.
func (g *Gateway) StopApp(ctx context.Context, site, jobID string, timeout time.Duration) error {
	return g.ackCall(ctx, site, transport.ActionStopApp, protocol.StopApp{JobID: jobID}, timeout)
}

// DeleteRun removes the deployed workspace for jobID on site.
func (g *Gateway) DeleteRun(ctx context.Context, site, jobID string, timeout time.Duration) error {
	return g.ackCall(ctx, site, transport.ActionDeleteRun, protocol.DeleteRun{JobID: jobID}, timeout)
}
