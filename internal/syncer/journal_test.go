package syncer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildeck/maildeck/internal/model"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "sync.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalLifecycle(t *testing.T) {
	j := openTestJournal(t)

	job := model.SyncJob{
		ID:        model.NewID(),
		Account:   "me@example.com",
		Kind:      model.SyncFull,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, j.Start(job))

	got, ok, err := j.LastJob("me@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, j.Finish(job.ID, model.JobDone, 3, 12, ""))

	got, ok, err = j.LastJob("me@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.JobDone, got.Status)
	assert.Equal(t, 3, got.ThreadsTouched)
	assert.Equal(t, 12, got.MessagesWritten)
	assert.NotNil(t, got.FinishedAt)
}

func TestJournalFailedJob(t *testing.T) {
	j := openTestJournal(t)

	job := model.SyncJob{ID: model.NewID(), Account: "a@b.c", Kind: model.SyncUnread, StartedAt: time.Now().UTC()}
	require.NoError(t, j.Start(job))
	require.NoError(t, j.Finish(job.ID, model.JobFailed, 0, 0, "imap timeout"))

	got, ok, err := j.LastJob("a@b.c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "imap timeout", got.Error)
}

func TestJournalLastJobOrdering(t *testing.T) {
	j := openTestJournal(t)

	older := model.SyncJob{ID: "job-1", Account: "a@b.c", Kind: model.SyncFull, StartedAt: time.Now().Add(-time.Hour).UTC()}
	newer := model.SyncJob{ID: "job-2", Account: "a@b.c", Kind: model.SyncIncremental, StartedAt: time.Now().UTC()}
	require.NoError(t, j.Start(older))
	require.NoError(t, j.Start(newer))

	got, ok, err := j.LastJob("a@b.c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-2", got.ID)
}

func TestJournalEmptyAccount(t *testing.T) {
	j := openTestJournal(t)
	_, ok, err := j.LastJob("nobody@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
