// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

// Action and Event type names for the core's control traffic over the Cell.
// Actions addressed to a single participant or a single job's controller
// are suffixed with the participant/job name via ForSite and ForJob, so
// that each subscriber only observes traffic meant for it.
const (
	// ActionTaskAssignment is the task-pull action: a client polls the
	// controller of a running job for its next assignment. Scoped per job
	// via ForJob.
	ActionTaskAssignment = "fedcore.task.assignment"

	// ActionTaskResult submits a task result to a job's controller. Scoped
	// per job via ForJob.
	ActionTaskResult = "fedcore.task.result"

	// Two-phase resource reservation actions, scoped per site via ForSite.
	ActionCheckResources    = "fedcore.resource.check"
	ActionAllocateResources = "fedcore.resource.allocate"
	ActionFreeResources     = "fedcore.resource.free"
	ActionCancelResources   = "fedcore.resource.cancel"

	// App deployment and run control actions, scoped per site via ForSite.
	ActionDeployApp = "fedcore.run.deploy"
	ActionStartApp  = "fedcore.run.start"
	ActionStopApp   = "fedcore.run.stop"
	ActionDeleteRun = "fedcore.run.delete"

	// ActionAuxSend carries a topic-addressed aux message, scoped per
	// receiving participant via ForSite. The aux topic itself is carried in
	// the payload envelope, not in the Cell-level type, so arbitrary aux
	// topics don't each need their own Cell-level subscription.
	ActionAuxSend = "fedcore.aux.send"

	// EventHeartbeat is a client's periodic liveness signal.
	EventHeartbeat = "fedcore.client.heartbeat"

	// EventClientAnnounce carries join/leave announcements.
	EventClientAnnounce = "fedcore.client.announce"
)

// ServerParticipant is the reserved participant name of the server for aux
// addressing.
const ServerParticipant = "server"

// ForSite scopes an action type to a single participant, so only that
// participant's subscription observes it.
func ForSite(action, site string) string {
	return action + "." + site
}

// ForJob scopes an action type to a single job's controller.
func ForJob(action, jobID string) string {
	return action + "." + jobID
}
