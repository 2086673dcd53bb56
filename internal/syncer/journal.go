package syncer

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"github.com/maildeck/maildeck/internal/model"
)

// Journal records every sync pass in a per-account SQLite database, so
// "what did the last sync do" survives restarts without parsing logs.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (and migrates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, eris.Wrapf(err, "open journal %s", path)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		threads_touched INTEGER NOT NULL DEFAULT 0,
		messages_written INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sync_jobs_account_started
		ON sync_jobs(account, started_at DESC);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "migrate journal")
	}
	return &Journal{db: db}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Start inserts a running job row.
func (j *Journal) Start(job model.SyncJob) error {
	_, err := j.db.Exec(
		`INSERT INTO sync_jobs (id, account, kind, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.Account, string(job.Kind), string(model.JobRunning), job.StartedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "journal start")
	}
	return nil
}

// Finish marks a job done or failed with its counters.
func (j *Journal) Finish(id string, status model.JobStatus, threads, messages int, errMsg string) error {
	_, err := j.db.Exec(
		`UPDATE sync_jobs
		 SET status = ?, finished_at = ?, threads_touched = ?, messages_written = ?, error = ?
		 WHERE id = ?`,
		string(status), time.Now().UTC(), threads, messages, errMsg, id,
	)
	if err != nil {
		return eris.Wrap(err, "journal finish")
	}
	return nil
}

// LastJob returns the most recently started job for the account.
func (j *Journal) LastJob(account string) (model.SyncJob, bool, error) {
	row := j.db.QueryRow(
		`SELECT id, account, kind, status, started_at, finished_at,
		        threads_touched, messages_written, error
		 FROM sync_jobs WHERE account = ?
		 ORDER BY started_at DESC LIMIT 1`, account)

	var job model.SyncJob
	var kind, status string
	var finished sql.NullTime
	err := row.Scan(&job.ID, &job.Account, &kind, &status, &job.StartedAt,
		&finished, &job.ThreadsTouched, &job.MessagesWritten, &job.Error)
	if err == sql.ErrNoRows {
		return job, false, nil
	}
	if err != nil {
		return job, false, eris.Wrap(err, "journal last job")
	}
	job.Kind = model.SyncKind(kind)
	job.Status = model.JobStatus(status)
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return job, true, nil
}
