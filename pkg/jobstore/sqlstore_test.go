// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package jobstore

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/job"
)

var jobColumns = []string{
	"id", "name", "deploy_map", "resource_spec", "min_sites", "required_sites",
	"meta", "status", "submitter_id", "submit_time", "start_time", "duration_ns", "revision",
}

func newMockStore(t *testing.T) (*SqlStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSqlStore(sqlx.NewDb(db, "sqlmock")), mock
}

func TestSqlStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	j := newTestJob("job-1")
	require.NoError(t, store.Create(t.Context(), j))
	require.Equal(t, int64(1), j.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows(jobColumns).AddRow(
		"job-1", "train-mnist", []byte(`{"clients":["site-a"]}`), []byte(`{}`), 1, []byte(`[]`),
		[]byte(`{}`), string(job.Submitted), "alice", now, nil, int64(0), int64(1),
	)
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).WithArgs("job-1").WillReturnRows(rows)

	got, err := store.Get(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "train-mnist", got.Name)
	require.Equal(t, job.Submitted, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumns))

	_, err := store.Get(t.Context(), "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestSqlStoreSetStatusRevisionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows(jobColumns).AddRow(
		"job-1", "train-mnist", []byte(`{}`), []byte(`{}`), 1, []byte(`[]`),
		[]byte(`{}`), string(job.Submitted), "alice", now, nil, int64(0), int64(3),
	)
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).WithArgs("job-1").WillReturnRows(rows)

	err := store.SetStatus(t.Context(), "job-1", 1, job.Dispatched)
	require.ErrorIs(t, err, job.ErrRevisionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlStoreSetStatusSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows(jobColumns).AddRow(
		"job-1", "train-mnist", []byte(`{}`), []byte(`{}`), 1, []byte(`[]`),
		[]byte(`{}`), string(job.Submitted), "alice", now, nil, int64(0), int64(1),
	)
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).WithArgs("job-1").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs(string(job.Dispatched), "job-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetStatus(t.Context(), "job-1", 1, job.Dispatched))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlStoreContentBlob(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO job_blobs`).
		WithArgs("job-1", blobKindContent, []byte("app-bytes")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT blob FROM job_blobs`).
		WithArgs("job-1", blobKindContent).
		WillReturnRows(sqlmock.NewRows([]string{"blob"}).AddRow([]byte("app-bytes")))

	require.NoError(t, store.PutContent(t.Context(), "job-1", []byte("app-bytes")))
	blob, err := store.GetContent(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, []byte("app-bytes"), blob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSqlStoreDeleteBlocksRunning(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows(jobColumns).AddRow(
		"job-1", "train-mnist", []byte(`{}`), []byte(`{}`), 1, []byte(`[]`),
		[]byte(`{}`), string(job.Running), "alice", now, nil, int64(0), int64(2),
	)
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).WithArgs("job-1").WillReturnRows(rows)

	err := store.Delete(t.Context(), "job-1")
	require.ErrorIs(t, err, job.ErrNotDeletable)
	require.NoError(t, mock.ExpectationsWereMet())
}
