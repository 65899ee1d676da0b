// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package shareable

// PeerProps carries the identity of the remote party a message arrived from
// or is addressed to.
type PeerProps struct {
	Name         string
	Organization string
}

// RunContext carries identity, peer properties, and audit ids for a single
// job/request as it flows through the Controller, Executor, and Filter
// Chain. It is injected into each job's run at start and cleared on
// teardown.
type RunContext struct {
	JobID       string
	TaskID      string
	ClientName  string
	Peer        PeerProps
	SubmitterID string
	AuditEventID string
	Submitter
}

// Submitter identifies the authenticated party issuing an admin command;
// its identity is carried on every command and recorded in audit events.
type Submitter struct {
	Identity string
	Org      string
}

// WithTask returns a copy of ctx scoped to the given task id.
func (c RunContext) WithTask(taskID string) RunContext {
	c.TaskID = taskID
	return c
}

// Valid reports whether the context carries the minimum identity required
// to cross the server/client boundary: a job id and non-empty peer name.
func (c RunContext) Valid() bool {
	return c.JobID != "" && c.Peer.Name != ""
}
