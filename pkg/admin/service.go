// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package admin implements the authenticated administrative command
// surface over jobs: submit, list, abort, delete, clone, and download.
// Every command carries the submitter's identity, which is recorded in
// audit events and checked through the authorization hook.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfedcore/fedcore/pkg/auxmsg"
	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/jobstore"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/site"
)

// ErrNotAuthorized is returned when the authorization hook rejects a
// command.
var ErrNotAuthorized = errors.New("admin: not authorized")

// Command names passed to the authorization hook.
const (
	CmdSubmitJob   = "submit_job"
	CmdListJobs    = "list_jobs"
	CmdAbortJob    = "abort_job"
	CmdAbortTask   = "abort_task"
	CmdDeleteJob   = "delete_job"
	CmdCloneJob    = "clone_job"
	CmdDownloadJob = "download_job"
)

// AuthzHook decides whether a submitter may run a command on a job. The
// security layer behind it is an external collaborator; only this hook is
// visible to the core.
type AuthzHook interface {
	Authorize(sub shareable.Submitter, command, jobID string) error
}

// AllowAll authorizes every command; the default when no security layer is
// wired in.
type AllowAll struct{}

func (AllowAll) Authorize(sub shareable.Submitter, command, jobID string) error { return nil }

// Aborter is the runner-side abort surface.
type Aborter interface {
	Abort(ctx context.Context, jobID string) error
}

// Options configures a Service.
type Options struct {
	Store    jobstore.Store
	Runner   Aborter
	Bus      *auxmsg.Bus // server's aux endpoint, for abort_task
	Authz    AuthzHook
	Signer   *URLSigner
	// InlineDownloadLimit is the blob size above which download_job
	// returns a download URL token instead of inline bytes.
	InlineDownloadLimit int
	AuxTimeout          time.Duration
}

// A Service executes admin commands. Both the CLI and the HTTP API call
// into the same Service, so authorization and auditing behave identically
// on either surface.
type Service struct {
	opts Options
	log  *clog.CLogger
}

// NewService returns a Service over the given collaborators.
func NewService(opts Options) *Service {
	if opts.Authz == nil {
		opts.Authz = AllowAll{}
	}
	if opts.InlineDownloadLimit <= 0 {
		opts.InlineDownloadLimit = 16 * 1024 * 1024
	}
	if opts.AuxTimeout <= 0 {
		opts.AuxTimeout = 5 * time.Second
	}
	return &Service{opts: opts, log: clog.New("admin ")}
}

// audit logs one authorized command with a fresh audit event id.
func (s *Service) audit(sub shareable.Submitter, command, jobID string) string {
	eventID := uuid.NewString()
	s.log.Printf("audit %s: %s on %q by %s", eventID, command, jobID, sub.Identity)
	return eventID
}

func (s *Service) authorize(sub shareable.Submitter, command, jobID string) error {
	if err := s.opts.Authz.Authorize(sub, command, jobID); err != nil {
		s.log.Warnf("%s on %q denied for %s: %v", command, jobID, sub.Identity, err)
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return nil
}

// Submit creates a job from parsed metadata and its zipped app payload,
// returning the new job id.
func (s *Service) Submit(ctx context.Context, sub shareable.Submitter, meta *Meta, blob []byte) (string, error) {
	if err := s.authorize(sub, CmdSubmitJob, ""); err != nil {
		return "", err
	}

	j := &job.Job{
		ID:            uuid.NewString(),
		Name:          meta.Name,
		DeployMap:     meta.DeployMap,
		ResourceSpec:  meta.ResourceSpec,
		MinSites:      meta.MinClients,
		RequiredSites: meta.RequiredSites,
		Meta:          meta.Extra,
		Status:        job.Submitted,
		SubmitterID:   sub.Identity,
		SubmitTime:    time.Now(),
	}
	if err := j.Validate(); err != nil {
		return "", err
	}

	if err := s.opts.Store.Create(ctx, j); err != nil {
		return "", err
	}
	if err := s.opts.Store.PutContent(ctx, j.ID, blob); err != nil {
		return "", err
	}
	s.audit(sub, CmdSubmitJob, j.ID)
	return j.ID, nil
}

// SubmitFolder reads a job folder from disk and submits it.
func (s *Service) SubmitFolder(ctx context.Context, sub shareable.Submitter, folder string) (string, error) {
	meta, blob, err := ReadFolder(folder)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, sub, meta, blob)
}

// SubmitArchive submits an already-zipped job folder.
func (s *Service) SubmitArchive(ctx context.Context, sub shareable.Submitter, blob []byte) (string, error) {
	meta, err := MetaFromArchive(blob)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, sub, meta, blob)
}

// ListOptions narrows a List call.
type ListOptions struct {
	NamePrefix string
	IDPrefix   string
}

// List returns jobs matching opts, ordered by submit time.
func (s *Service) List(ctx context.Context, sub shareable.Submitter, opts ListOptions) ([]*job.Job, error) {
	if err := s.authorize(sub, CmdListJobs, ""); err != nil {
		return nil, err
	}
	jobs, err := s.opts.Store.List(ctx, jobstore.ListFilter{})
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if opts.NamePrefix != "" && !strings.HasPrefix(j.Name, opts.NamePrefix) {
			continue
		}
		if opts.IDPrefix != "" && !strings.HasPrefix(j.ID, opts.IDPrefix) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Abort signals a job abort. Idempotent.
func (s *Service) Abort(ctx context.Context, sub shareable.Submitter, jobID string) error {
	if err := s.authorize(sub, CmdAbortJob, jobID); err != nil {
		return err
	}
	s.audit(sub, CmdAbortJob, jobID)
	if s.opts.Runner == nil {
		return errors.New("admin: no runner wired for abort")
	}
	return s.opts.Runner.Abort(ctx, jobID)
}

// AbortTask signals a task-level abort on one client only.
func (s *Service) AbortTask(ctx context.Context, sub shareable.Submitter, jobID, client string) error {
	if err := s.authorize(sub, CmdAbortTask, jobID); err != nil {
		return err
	}
	if s.opts.Bus == nil {
		return errors.New("admin: no aux bus wired for abort_task")
	}
	eventID := s.audit(sub, CmdAbortTask, jobID)

	payload := shareable.New(nil)
	payload.Set(shareable.HeaderJobID, jobID)
	payload.Set(shareable.HeaderAuditEventID, eventID)
	replies, err := s.opts.Bus.Send(ctx, []string{client}, site.TopicAbortTask, jobID, payload, s.opts.AuxTimeout)
	if err != nil {
		return err
	}
	if replies[client] == nil {
		return fmt.Errorf("admin: abort_task: no reply from %s", client)
	}
	if rc := replies[client].ReturnCode(); rc != shareable.OK {
		return fmt.Errorf("admin: abort_task on %s returned %s", client, rc)
	}
	return nil
}

// Delete removes a job; permitted only when it is neither DISPATCHED nor
// RUNNING.
func (s *Service) Delete(ctx context.Context, sub shareable.Submitter, jobID string) error {
	if err := s.authorize(sub, CmdDeleteJob, jobID); err != nil {
		return err
	}
	s.audit(sub, CmdDeleteJob, jobID)
	return s.opts.Store.Delete(ctx, jobID)
}

// Clone re-submits an existing job's content under a new id with the
// caller's identity as the new submitter.
func (s *Service) Clone(ctx context.Context, sub shareable.Submitter, jobID string) (string, error) {
	if err := s.authorize(sub, CmdCloneJob, jobID); err != nil {
		return "", err
	}
	src, err := s.opts.Store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	blob, err := s.opts.Store.GetContent(ctx, jobID)
	if err != nil {
		return "", err
	}

	clone := &job.Job{
		ID:            uuid.NewString(),
		Name:          src.Name,
		DeployMap:     src.DeployMap,
		ResourceSpec:  src.ResourceSpec,
		MinSites:      src.MinSites,
		RequiredSites: src.RequiredSites,
		Meta:          src.Meta,
		Status:        job.Submitted,
		SubmitterID:   sub.Identity,
		SubmitTime:    time.Now(),
	}
	if err := s.opts.Store.Create(ctx, clone); err != nil {
		return "", err
	}
	if err := s.opts.Store.PutContent(ctx, clone.ID, blob); err != nil {
		return "", err
	}
	s.audit(sub, CmdCloneJob, clone.ID)
	return clone.ID, nil
}

// Download is the result of a download_job command: either inline bytes or
// a time-limited URL token for blobs above the inline size threshold.
type Download struct {
	JobID string
	Blob  []byte // nil when Token is set
	Token string
}

// DownloadJob returns the job's app payload, switching to a download token
// above the configured inline size threshold.
func (s *Service) DownloadJob(ctx context.Context, sub shareable.Submitter, jobID string) (*Download, error) {
	if err := s.authorize(sub, CmdDownloadJob, jobID); err != nil {
		return nil, err
	}
	blob, err := s.opts.Store.GetContent(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.audit(sub, CmdDownloadJob, jobID)

	if len(blob) > s.opts.InlineDownloadLimit && s.opts.Signer != nil {
		return &Download{JobID: jobID, Token: s.opts.Signer.Issue(jobID)}, nil
	}
	return &Download{JobID: jobID, Blob: blob}, nil
}

// ResolveDownload serves the blob for a previously issued download token.
func (s *Service) ResolveDownload(ctx context.Context, jobID, token string) ([]byte, error) {
	if s.opts.Signer == nil {
		return nil, ErrBadDownloadToken
	}
	if err := s.opts.Signer.Verify(jobID, token); err != nil {
		return nil, err
	}
	return s.opts.Store.GetContent(ctx, jobID)
}
