// Package store persists recordings and their transcriptions in SQLite,
// with an FTS5 index over completed transcription text.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrStorage wraps every database or filesystem failure.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned when a recording or transcription id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when completing a transcription that
	// already succeeded or failed.
	ErrNotPending = errors.New("transcription is not pending")
)

// Status is a transcription's lifecycle state. It only moves from pending
// to succeeded or failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Recording is an immutable audio clip and its artifact on disk.
type Recording struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	SampleRate int
	Channels   int
	DeviceID   string
	Path       string
	Size       int64
	Checksum   string
}

// Transcription is one attempt at turning a Recording into text.
type Transcription struct {
	ID                string
	RecordingID       string
	Text              string
	Language          string
	Task              string
	Model             string
	InferenceDuration time.Duration
	Status            Status
	Error             string
	CreatedAt         time.Time
	CompletedAt       time.Time
}

// Entry pairs a recording with its most recent transcription.
type Entry struct {
	Recording     Recording
	Transcription Transcription
}

// Store is a SQLite-backed history. Writes are serialised; reads run
// concurrently under WAL.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	wmu sync.Mutex
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("create data dir", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr("ping sqlite", err)
	}

	s := &Store{db: db, log: log.With("component", "store"), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at);
CREATE TABLE IF NOT EXISTS transcriptions (
    id TEXT PRIMARY KEY,
    recording_id TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    task TEXT NOT NULL,
    model TEXT NOT NULL,
    inference_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed')),
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    completed_at INTEGER,
    FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_recording ON transcriptions(recording_id, created_at);
CREATE VIRTUAL TABLE IF NOT EXISTS transcriptions_fts USING fts5(
    text,
    transcription_id UNINDEXED
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", op, ErrStorage, err)
}

// Insert writes a recording and its first transcription in one
// transaction. Either both rows land or neither does.
func (s *Store) Insert(ctx context.Context, rec Recording, tr Transcription) error {
	if rec.ID == "" || tr.ID == "" {
		return fmt.Errorf("store: insert: recording and transcription ids are required")
	}
	if tr.RecordingID == "" {
		tr.RecordingID = rec.ID
	}
	if tr.RecordingID != rec.ID {
		return fmt.Errorf("store: insert: transcription %s references %s, not %s", tr.ID, tr.RecordingID, rec.ID)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin insert", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO recordings(id, started_at, duration_ms, sample_rate, channels, device_id, path, size_bytes, checksum)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, toMillis(rec.StartedAt), rec.Duration.Milliseconds(), rec.SampleRate, rec.Channels,
		rec.DeviceID, rec.Path, rec.Size, rec.Checksum)
	if err != nil {
		return storageErr("insert recording", err)
	}
	if err := s.insertTranscription(ctx, tx, tr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit insert", err)
	}
	return nil
}

// AddTranscription records a new attempt for an existing recording.
func (s *Store) AddTranscription(ctx context.Context, tr Transcription) error {
	if tr.ID == "" || tr.RecordingID == "" {
		return fmt.Errorf("store: add transcription: id and recording id are required")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin add transcription", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings WHERE id = ?`, tr.RecordingID).Scan(&exists)
	if err != nil {
		return storageErr("lookup recording", err)
	}
	if exists == 0 {
		return fmt.Errorf("store: recording %s: %w", tr.RecordingID, ErrNotFound)
	}
	if err := s.insertTranscription(ctx, tx, tr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit add transcription", err)
	}
	return nil
}

func (s *Store) insertTranscription(ctx context.Context, tx *sql.Tx, tr Transcription) error {
	if tr.Status == "" {
		tr.Status = StatusPending
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock()
	}
	var completed sql.NullInt64
	if tr.Status != StatusPending {
		if tr.CompletedAt.IsZero() {
			tr.CompletedAt = s.clock()
		}
		completed = sql.NullInt64{Int64: toMillis(tr.CompletedAt), Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO transcriptions(id, recording_id, text, language, task, model, inference_ms, status, error, created_at, completed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RecordingID, tr.Text, tr.Language, tr.Task, tr.Model, tr.InferenceDuration.Milliseconds(),
		string(tr.Status), tr.Error, toMillis(tr.CreatedAt), completed)
	if err != nil {
		return storageErr("insert transcription", err)
	}
	if tr.Status == StatusSucceeded {
		if err := indexText(ctx, tx, tr.ID, tr.Text); err != nil {
			return err
		}
	}
	return nil
}

func indexText(ctx context.Context, tx *sql.Tx, id, text string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transcriptions_fts(text, transcription_id) VALUES(?, ?)`, text, id); err != nil {
		return storageErr("index text", err)
	}
	return nil
}

// Completion is the outcome of a successful inference.
type Completion struct {
	Text              string
	Language          string
	InferenceDuration time.Duration
}

// Complete marks a pending transcription succeeded and indexes its text.
func (s *Store) Complete(ctx context.Context, id string, c Completion) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin complete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE transcriptions SET status = 'succeeded', text = ?, language = ?, inference_ms = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		c.Text, c.Language, c.InferenceDuration.Milliseconds(), toMillis(s.clock()), id)
	if err != nil {
		return storageErr("complete transcription", err)
	}
	if err := s.checkTransition(ctx, tx, res, id); err != nil {
		return err
	}
	if err := indexText(ctx, tx, id, c.Text); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit complete", err)
	}
	return nil
}

// Fail marks a pending transcription failed with reason.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin fail", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE transcriptions SET status = 'failed', error = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		reason, toMillis(s.clock()), id)
	if err != nil {
		return storageErr("fail transcription", err)
	}
	if err := s.checkTransition(ctx, tx, res, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit fail", err)
	}
	return nil
}

func (s *Store) checkTransition(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 1 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM transcriptions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: transcription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return storageErr("lookup transcription", err)
	}
	return fmt.Errorf("store: transcription %s is %s: %w", id, status, ErrNotPending)
}

// Delete removes a recording, all of its transcriptions, and its audio
// artifact.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin delete", err)
	}
	defer tx.Rollback()

	var path string
	err = tx.QueryRowContext(ctx, `SELECT path FROM recordings WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return storageErr("lookup recording", err)
	}

	stmts := []string{
		`DELETE FROM transcriptions_fts WHERE transcription_id IN (SELECT id FROM transcriptions WHERE recording_id = ?)`,
		`DELETE FROM transcriptions WHERE recording_id = ?`,
		`DELETE FROM recordings WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return storageErr("delete recording", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete", err)
	}

	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return storageErr("remove artifact", err)
		}
	}
	s.log.Debug("recording deleted", "id", id)
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
