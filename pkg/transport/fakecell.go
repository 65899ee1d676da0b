// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"sync"
	"time"
)

// FakeCell is an in-process Cell for unit tests that need to exercise
// pkg/auxmsg, pkg/controller, and pkg/executor without a live DDA sidecar.
// All subscribers sharing an empty Share receive every matching Action or
// Event; subscribers sharing a non-empty Share round-robin so exactly one
// of them receives each Action, mirroring the production semantics.
type FakeCell struct {
	mu         sync.Mutex
	eventSubs  map[string][]chan Event
	actionSubs map[string][]*fakeActionSub
	rrIndex    map[string]int
	closed     bool
}

type fakeActionSub struct {
	share string
	ch    chan ActionRequest
}

// NewFakeCell returns a ready-to-use FakeCell.
func NewFakeCell() *FakeCell {
	return &FakeCell{
		eventSubs:  make(map[string][]chan Event),
		actionSubs: make(map[string][]*fakeActionSub),
		rrIndex:    make(map[string]int),
	}
}

func (f *FakeCell) PublishEvent(evt Event) error {
	f.mu.Lock()
	subs := append([]chan Event(nil), f.eventSubs[evt.Type]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			go func(c chan Event) { c <- evt }(ch)
		}
	}
	return nil
}

func (f *FakeCell) SubscribeEvent(ctx context.Context, filter SubscriptionFilter) (<-chan Event, error) {
	ch := make(chan Event, 16)
	f.mu.Lock()
	f.eventSubs[filter.Type] = append(f.eventSubs[filter.Type], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.eventSubs[filter.Type]
		for i, c := range subs {
			if c == ch {
				f.eventSubs[filter.Type] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (f *FakeCell) SubscribeAction(ctx context.Context, filter SubscriptionFilter) (<-chan ActionRequest, error) {
	sub := &fakeActionSub{share: filter.Share, ch: make(chan ActionRequest, 16)}
	f.mu.Lock()
	f.actionSubs[filter.Type] = append(f.actionSubs[filter.Type], sub)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.actionSubs[filter.Type]
		for i, s := range subs {
			if s == sub {
				f.actionSubs[filter.Type] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (f *FakeCell) PublishAction(ctx context.Context, act Action, timeout time.Duration) (<-chan ActionResult, error) {
	out := make(chan ActionResult, 8)

	f.mu.Lock()
	all := f.actionSubs[act.Type]
	var targets []*fakeActionSub
	if act.Share != "" {
		// Deliver to one member per distinct Share group (round-robin
		// within the group), mirroring the shared-subscription semantics
		// used by task-pull polling.
		groups := make(map[string][]*fakeActionSub)
		for _, s := range all {
			groups[s.share] = append(groups[s.share], s)
		}
		for share, members := range groups {
			if share != "" && share != act.Share {
				continue
			}
			key := act.Type + "/" + share
			idx := f.rrIndex[key] % len(members)
			f.rrIndex[key] = f.rrIndex[key] + 1
			targets = append(targets, members[idx])
		}
	} else {
		targets = all
	}
	f.mu.Unlock()

	if len(targets) == 0 {
		close(out)
		return out, nil
	}

	var wg sync.WaitGroup
	deadline := time.NewTimer(timeout)
	go func() {
		defer close(out)
		defer deadline.Stop()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-deadline.C:
		case <-ctx.Done():
		}
	}()

	for _, t := range targets {
		wg.Add(1)
		go func(t *fakeActionSub) {
			defer wg.Done()
			replied := make(chan struct{})
			req := ActionRequest{Action: act, Reply: func(r ActionResult) error {
				select {
				case out <- r:
				case <-ctx.Done():
				}
				close(replied)
				return nil
			}}
			select {
			case t.ch <- req:
			case <-ctx.Done():
				return
			case <-time.After(timeout):
				return
			}
			select {
			case <-replied:
			case <-ctx.Done():
			case <-time.After(timeout):
			}
		}(t)
	}

	return out, nil
}

func (f *FakeCell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
