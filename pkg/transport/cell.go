// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transport abstracts the wire-level message bus as a typed
// RPC/pub-sub cell ("the wire-level transport implementation
// is treated as a typed RPC/pub-sub cell"). Concrete implementations are
// external collaborators; this package specifies only the contract every
// caller in pkg/auxmsg, pkg/controller, and pkg/executor programs against.
package transport

import (
	"context"
	"time"
)

// Event is a fire-and-forget, topic-addressed message with no reply, used
// for heartbeats and join/leave announcements.
type Event struct {
	Type   string
	ID     string
	Source string
	Data   []byte
}

// Action is a topic-addressed request. A Cell dispatches it to subscribers
// of the same Type (optionally restricted to one member of a named shared
// group) and funnels back zero or more ActionResults.
type Action struct {
	Type   string
	ID     string
	Source string
	Share  string
	Params []byte
}

// ActionResult is a single reply to an Action, correlated back to the
// caller by the Cell.
type ActionResult struct {
	Context string // identifies the responder
	Data    []byte
}

// ActionRequest is what a responder-side subscriber observes: an inbound
// Action plus a Reply callback that must be invoked at most once.
type ActionRequest struct {
	Action
	Reply func(ActionResult) error
}

// SubscriptionFilter restricts SubscribeEvent/SubscribeAction to a topic
// Type, optionally narrowed to members of a named shared group (Share) so
// that exactly one subscriber in the group receives each matching Action —
// the mechanism underlying the task-pull protocol's per-client exclusivity.
type SubscriptionFilter struct {
	Type  string
	Share string
}

// Cell is the typed RPC/pub-sub bus every participant (server admin
// surface, job controller, client executor) communicates over. It is
// implemented in production by a binding over a DDA sidecar (ddacell.go)
// and in tests by an in-process fake (fakecell.go).
type Cell interface {
	// PublishEvent sends a fire-and-forget Event to all current subscribers
	// of its Type. Never blocks on a reply.
	PublishEvent(evt Event) error

	// SubscribeEvent returns a channel of Events matching filter. The
	// channel is closed when ctx is done.
	SubscribeEvent(ctx context.Context, filter SubscriptionFilter) (<-chan Event, error)

	// PublishAction sends act and returns a channel fed with every
	// ActionResult received before ctx is done or timeout elapses,
	// whichever is first. The channel is closed once no further results
	// are expected.
	PublishAction(ctx context.Context, act Action, timeout time.Duration) (<-chan ActionResult, error)

	// SubscribeAction returns a channel of ActionRequests matching filter.
	// Exactly one subscriber sharing the same non-empty Share receives any
	// given Action. The channel is closed when ctx is done.
	SubscribeAction(ctx context.Context, filter SubscriptionFilter) (<-chan ActionRequest, error)

	// Close releases any resources held by the Cell (connections, etc).
	Close() error
}
