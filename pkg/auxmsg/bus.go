// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package auxmsg provides the topic-addressed request/reply channel available
// to controllers, executors, and admin handlers. Replies are Shareables;
// missing or late replies surface as nil entries in the reply map, never as
// errors.
package auxmsg

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// A Handler processes one inbound aux request and returns the reply
// Shareable. Handlers are dispatched on the receiver's event goroutine and
// must be non-blocking or hand off to their own pool; a nil return replies
// with an empty OK Shareable.
type Handler func(topic string, req *shareable.Shareable, ctx shareable.RunContext) *shareable.Shareable

// A Bus is one participant's endpoint on the aux channel. It subscribes to
// the participant's own aux action type and fans requests out to topic
// handlers registered on it.
type Bus struct {
	name string
	cell transport.Cell
	log  *clog.CLogger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBus returns a Bus for the participant with the given name, attached to
// cell. Call Start to begin receiving.
func NewBus(name string, cell transport.Cell) *Bus {
	return &Bus{
		name:     name,
		cell:     cell,
		log:      clog.New("aux[%s] ", name),
		handlers: make(map[string]Handler),
	}
}

// Handle registers a handler for topic, replacing any previous one.
// Registration after Start is safe.
func (b *Bus) Handle(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
}

// Start subscribes the Bus to its participant's aux action type and
// dispatches inbound requests until ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	reqs, err := b.cell.SubscribeAction(ctx, transport.SubscriptionFilter{
		Type: transport.ForSite(transport.ActionAuxSend, b.name),
	})
	if err != nil {
		return err
	}

	go func() {
		for req := range reqs {
			b.dispatch(req)
		}
	}()
	return nil
}

// dispatch runs the registered handler for one inbound request and replies.
// An unknown topic replies with SERVICE_UNAVAILABLE so the sender observes
// a typed outcome instead of a timeout.
func (b *Bus) dispatch(req transport.ActionRequest) {
	var env protocol.Aux
	if err := protocol.Unmarshal(req.Params, &env); err != nil {
		b.log.Errorf("Dropping malformed aux request: %v", err)
		return
	}

	payload, err := shareable.Decode(env.Data)
	if err != nil {
		b.log.Errorf("Undecodable aux payload on topic %s: %v", env.Topic, err)
		bad := shareable.New(nil)
		bad.SetReturnCode(shareable.CommunicationError)
		if data, encErr := shareable.Encode(bad); encErr == nil {
			_ = req.Reply(transport.ActionResult{Context: b.name, Data: data})
		}
		return
	}

	b.mu.RLock()
	h, ok := b.handlers[env.Topic]
	b.mu.RUnlock()

	var reply *shareable.Shareable
	if !ok {
		b.log.Warnf("No handler for aux topic %s", env.Topic)
		reply = shareable.New(nil)
		reply.SetReturnCode(shareable.ServiceUnavailable)
	} else {
		rctx := shareable.RunContext{
			JobID: env.JobID,
			Peer:  shareable.PeerProps{Name: env.Origin},
		}
		reply = h(env.Topic, payload, rctx)
		if reply == nil {
			reply = shareable.New(nil)
		}
	}

	data, err := shareable.Encode(reply)
	if err != nil {
		b.log.Errorf("Failed encoding aux reply on topic %s: %v", env.Topic, err)
		return
	}
	if err := req.Reply(transport.ActionResult{Context: b.name, Data: data}); err != nil {
		b.log.Errorf("Failed publishing aux reply on topic %s: %v", env.Topic, err)
	}
}

// Send delivers payload to every target on topic and collects replies,
// waiting at most timeout. The reply map always contains one entry per
// target; targets that did not reply in time map to nil.
func (b *Bus) Send(ctx context.Context, targets []string, topic string, jobID string, payload *shareable.Shareable, timeout time.Duration) (map[string]*shareable.Shareable, error) {
	data, err := shareable.Encode(payload)
	if err != nil {
		return nil, err
	}

	params, err := protocol.Marshal(protocol.Aux{
		JobID:   jobID,
		Topic:   topic,
		Origin:  b.name,
		Targets: targets,
		Data:    data,
	})
	if err != nil {
		return nil, err
	}

	replies := make(map[string]*shareable.Shareable, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		replies[target] = nil
		wg.Add(1)
		go func(target string) {
			defer wg.Done()

			results, err := b.cell.PublishAction(ctx, transport.Action{
				Type:   transport.ForSite(transport.ActionAuxSend, target),
				ID:     uuid.NewString(),
				Source: b.name,
				Params: params,
			}, timeout)
			if err != nil {
				b.log.Errorf("Failed publishing aux request to %s on topic %s: %v", target, topic, err)
				return
			}

			res, ok := <-results
			if !ok {
				return // no reply within timeout; entry stays nil
			}
			sh, err := shareable.Decode(res.Data)
			if err != nil {
				b.log.Errorf("Undecodable aux reply from %s on topic %s: %v", target, topic, err)
				return
			}
			mu.Lock()
			replies[target] = sh
			mu.Unlock()
		}(target)
	}

	wg.Wait()
	return replies, nil
}
