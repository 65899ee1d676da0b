// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package protocol defines the JSON payload shapes carried inside transport
// Actions and Events for the core's control traffic: resource reservation,
// app deployment, the task-pull protocol, result submission, aux messaging,
// and client liveness. Encodings are deliberately semantic: every reply
// carries its outcome as data, never as a transport-level error.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/openfedcore/fedcore/pkg/job"
)

// Marshal encodes a payload struct for transmission in Action.Params or
// Event.Data.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes b into the payload struct v.
func Unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("protocol: unmarshal %T: %w", v, err)
	}
	return nil
}

// Ack is the generic reply to fire-and-check actions (deploy, start, stop,
// free). A failed Ack carries a human-readable reason.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Heartbeat is the periodic liveness Event payload sent by every connected
// client.
type Heartbeat struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Announce is the join/leave Event payload sent by a client on connect and
// on graceful shutdown.
type Announce struct {
	Name         string `json:"name"`
	Token        string `json:"token"`
	Organization string `json:"organization,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	Leave        bool   `json:"leave,omitempty"`
}

// CheckResources asks a site to tentatively reserve the given requirements.
type CheckResources struct {
	JobID string              `json:"job_id"`
	Req   job.ResourceRequest `json:"req"`
}

// CheckResourcesReply carries the reservation outcome. Token is empty when
// OK is false.
type CheckResourcesReply struct {
	OK       bool                `json:"ok"`
	Token    string              `json:"token,omitempty"`
	Resolved job.ResourceRequest `json:"resolved,omitempty"`
}

// CancelResources releases a tentative reservation on a site.
type CancelResources struct {
	JobID string `json:"job_id"`
	Token string `json:"token"`
}

// AllocateResources promotes a tentative reservation to an allocation.
type AllocateResources struct {
	JobID string `json:"job_id"`
	Token string `json:"token"`
}

// AllocateResourcesReply carries the committed allocation, including the
// concrete indivisible ids picked at reservation time.
type AllocateResourcesReply struct {
	OK         bool                `json:"ok"`
	Allocation job.ResourceRequest `json:"allocation,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// FreeResources releases a committed allocation on a site.
type FreeResources struct {
	JobID string `json:"job_id"`
	Token string `json:"token"`
}

// DeployApp ships a job's app payload to a site.
type DeployApp struct {
	JobID   string `json:"job_id"`
	AppName string `json:"app_name"`
	Blob    []byte `json:"blob"`
}

// StartApp starts the deployed app for the given job on a site.
type StartApp struct {
	JobID string `json:"job_id"`
}

// StopApp stops the running app for the given job on a site.
type StopApp struct {
	JobID string `json:"job_id"`
}

// DeleteRun removes the deployed workspace for the given job on a site.
type DeleteRun struct {
	JobID string `json:"job_id"`
}

// TaskPull is a client's poll for its next task assignment.
type TaskPull struct {
	JobID      string `json:"job_id"`
	ClientName string `json:"client_name"`
	Token      string `json:"token"`
}

// TaskPullKind enumerates the three shapes of a task-pull reply.
type TaskPullKind string

const (
	PullKindAssignment TaskPullKind = "ASSIGNMENT"
	PullKindTryAgain   TaskPullKind = "TRY_AGAIN"
	PullKindEndRun     TaskPullKind = "END_RUN"
)

// TaskPullReply is the controller's answer to a TaskPull: an assignment, a
// TRY_AGAIN sentinel with a suggested wait, or an END_RUN sentinel.
type TaskPullReply struct {
	Kind        TaskPullKind `json:"kind"`
	TaskID      string       `json:"task_id,omitempty"`
	TaskName    string       `json:"task_name,omitempty"`
	Data        []byte       `json:"data,omitempty"` // encoded Shareable
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"`
}

// TaskResult is a client's result submission for an assigned task.
type TaskResult struct {
	JobID      string `json:"job_id"`
	ClientName string `json:"client_name"`
	TaskID     string `json:"task_id"`
	Data       []byte `json:"data"` // encoded Shareable
}

// Aux is the envelope of a topic-addressed aux message. Targets names the
// addressed participants; each addressed receiver replies with its own
// encoded Shareable.
type Aux struct {
	JobID   string   `json:"job_id,omitempty"`
	Topic   string   `json:"topic"`
	Origin  string   `json:"origin"`
	Targets []string `json:"targets"`
	Data    []byte   `json:"data"` // encoded Shareable
}
