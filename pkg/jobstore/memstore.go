// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/openfedcore/fedcore/pkg/job"
)

// MemStore is the in-memory Store backend, used for tests and single-node
// deployments without a configured database.
type MemStore struct {
	mu         sync.Mutex
	jobs       map[string]*job.Job
	content    map[string][]byte
	workspaces map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:       make(map[string]*job.Job),
		content:    make(map[string][]byte),
		workspaces: make(map[string][]byte),
	}
}

func clone(j *job.Job) *job.Job {
	c := *j
	return &c
}

func (s *MemStore) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.Revision = 1
	s.jobs[j.ID] = clone(j)
	return nil
}

func (s *MemStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return clone(j), nil
}

func (s *MemStore) List(ctx context.Context, filter ListFilter) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.SubmitterID != "" && j.SubmitterID != filter.SubmitterID {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmitTime.Before(out[k].SubmitTime) })
	return out, nil
}

func (s *MemStore) PutContent(ctx context.Context, jobID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[jobID] = append([]byte(nil), blob...)
	return nil
}

func (s *MemStore) GetContent(ctx context.Context, jobID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.content[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (s *MemStore) PutWorkspace(ctx context.Context, jobID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[jobID] = append([]byte(nil), blob...)
	return nil
}

func (s *MemStore) GetWorkspace(ctx context.Context, jobID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.workspaces[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (s *MemStore) SetStatus(ctx context.Context, jobID string, expectedRevision int64, newStatus job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if j.Revision != expectedRevision {
		return job.ErrRevisionConflict
	}
	if !job.CanTransition(j.Status, newStatus) {
		return job.ErrInvalidTransition
	}
	j.Status = newStatus
	j.Revision++
	return nil
}

func (s *MemStore) SetProperty(ctx context.Context, jobID string, expectedRevision int64, set func(*job.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if j.Revision != expectedRevision {
		return job.ErrRevisionConflict
	}
	set(j)
	j.Revision++
	return nil
}

func (s *MemStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status == job.Dispatched || j.Status == job.Running {
		return job.ErrNotDeletable
	}
	delete(s.jobs, jobID)
	delete(s.content, jobID)
	delete(s.workspaces, jobID)
	return nil
}
