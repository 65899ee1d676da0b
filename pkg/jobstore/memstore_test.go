// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/job"
)

func newTestJob(id string) *job.Job {
	return &job.Job{
		ID:          id,
		Name:        "train-mnist",
		DeployMap:   map[string][]string{"controller": {job.ReservedSite}, "clients": {"site-a", "site-b"}},
		MinSites:    1,
		Status:      job.Submitted,
		SubmitterID: "alice",
		SubmitTime:  time.Now(),
	}
}

func TestMemStoreCreateGetList(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	j := newTestJob("job-1")
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Revision)
	require.Equal(t, job.Submitted, got.Status)

	list, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestMemStoreContentBlobs(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	_, err := s.GetContent(ctx, "job-1")
	require.ErrorIs(t, err, job.ErrNotFound)

	require.NoError(t, s.PutContent(ctx, "job-1", []byte("app-bytes")))
	blob, err := s.GetContent(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []byte("app-bytes"), blob)

	require.NoError(t, s.PutWorkspace(ctx, "job-1", []byte("output")))
	ws, err := s.GetWorkspace(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []byte("output"), ws)
}

func TestMemStoreListIsFifoBySubmitTime(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	older := newTestJob("job-old")
	older.SubmitTime = time.Now().Add(-time.Hour)
	newer := newTestJob("job-new")

	require.NoError(t, s.Create(ctx, newer))
	require.NoError(t, s.Create(ctx, older))

	list, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "job-old", list[0].ID)
	require.Equal(t, "job-new", list[1].ID)
}

func TestMemStoreSetStatusRevisionGuard(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	require.NoError(t, s.SetStatus(ctx, "job-1", 1, job.Dispatched))

	err := s.SetStatus(ctx, "job-1", 1, job.Running)
	require.ErrorIs(t, err, job.ErrRevisionConflict)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Revision)
}

func TestMemStoreSetStatusRejectsIllegalEdge(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))

	err := s.SetStatus(ctx, "job-1", 1, job.Running)
	require.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestMemStoreDeleteBlocksRunning(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTestJob("job-1")))
	require.NoError(t, s.SetStatus(ctx, "job-1", 1, job.Dispatched))

	err := s.Delete(ctx, "job-1")
	require.ErrorIs(t, err, job.ErrNotDeletable)

	require.NoError(t, s.SetStatus(ctx, "job-1", 2, job.FinishedCantSchedule))
	require.NoError(t, s.Delete(ctx, "job-1"))
	_, err = s.Get(ctx, "job-1")
	require.ErrorIs(t, err, job.ErrNotFound)
}
