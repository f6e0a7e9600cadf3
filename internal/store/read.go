package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	recordingCols     = `r.id, r.started_at, r.duration_ms, r.sample_rate, r.channels, r.device_id, r.path, r.size_bytes, r.checksum`
	transcriptionCols = `t.id, t.recording_id, t.text, t.language, t.task, t.model, t.inference_ms, t.status, t.error, t.created_at, t.completed_at`

	// latestJoin pairs each recording with its newest transcription.
	latestJoin = `JOIN transcriptions t ON t.id = (
        SELECT id FROM transcriptions WHERE recording_id = r.id
        ORDER BY created_at DESC, rowid DESC LIMIT 1)`
)

type scanner interface {
	Scan(dest ...any) error
}

func recordingDest(r *Recording, startedAt, durationMS *int64) []any {
	return []any{&r.ID, startedAt, durationMS, &r.SampleRate, &r.Channels, &r.DeviceID, &r.Path, &r.Size, &r.Checksum}
}

type transcriptionRaw struct {
	inferenceMS int64
	status      string
	createdAt   int64
	completedAt sql.NullInt64
}

func transcriptionDest(t *Transcription, raw *transcriptionRaw) []any {
	return []any{&t.ID, &t.RecordingID, &t.Text, &t.Language, &t.Task, &t.Model, &raw.inferenceMS,
		&raw.status, &t.Error, &raw.createdAt, &raw.completedAt}
}

func (raw transcriptionRaw) apply(t *Transcription) {
	t.InferenceDuration = time.Duration(raw.inferenceMS) * time.Millisecond
	t.Status = Status(raw.status)
	t.CreatedAt = fromMillis(raw.createdAt)
	if raw.completedAt.Valid {
		t.CompletedAt = fromMillis(raw.completedAt.Int64)
	}
}

func scanEntry(row scanner, extra ...any) (Entry, error) {
	var e Entry
	var startedAt, durationMS int64
	var raw transcriptionRaw
	dest := recordingDest(&e.Recording, &startedAt, &durationMS)
	dest = append(dest, transcriptionDest(&e.Transcription, &raw)...)
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return Entry{}, err
	}
	e.Recording.StartedAt = fromMillis(startedAt)
	e.Recording.Duration = time.Duration(durationMS) * time.Millisecond
	raw.apply(&e.Transcription)
	return e, nil
}

// ListRecent returns recordings newest first, each with its latest
// transcription.
func (s *Store) ListRecent(ctx context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordingCols+`, `+transcriptionCols+`
		 FROM recordings r `+latestJoin+`
		 ORDER BY r.started_at DESC, r.id DESC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storageErr("list recent", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list recent", err)
	}
	return out, nil
}

// Get returns one recording with its latest transcription.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordingCols+`, `+transcriptionCols+`
		 FROM recordings r `+latestJoin+`
		 WHERE r.id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("store: recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, storageErr("get recording", err)
	}
	return e, nil
}

// Transcriptions returns every attempt for a recording, oldest first.
func (s *Store) Transcriptions(ctx context.Context, recordingID string) ([]Transcription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transcriptionCols+` FROM transcriptions t
		 WHERE t.recording_id = ? ORDER BY t.created_at ASC, t.rowid ASC`, recordingID)
	if err != nil {
		return nil, storageErr("list transcriptions", err)
	}
	defer rows.Close()

	var out []Transcription
	for rows.Next() {
		var t Transcription
		var raw transcriptionRaw
		if err := rows.Scan(transcriptionDest(&t, &raw)...); err != nil {
			return nil, storageErr("scan transcription", err)
		}
		raw.apply(&t)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transcriptions", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("store: recording %s: %w", recordingID, ErrNotFound)
	}
	return out, nil
}

// GetTranscription returns a single transcription by id.
func (s *Store) GetTranscription(ctx context.Context, id string) (Transcription, error) {
	var t Transcription
	var raw transcriptionRaw
	err := s.db.QueryRowContext(ctx,
		`SELECT `+transcriptionCols+` FROM transcriptions t WHERE t.id = ?`, id).
		Scan(transcriptionDest(&t, &raw)...)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcription{}, fmt.Errorf("store: transcription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Transcription{}, storageErr("get transcription", err)
	}
	raw.apply(&t)
	return t, nil
}

// SearchOptions narrows a search.
type SearchOptions struct {
	// Language keeps only transcriptions in this language.
	Language string
	// Since and Until bound the recording start time. Zero means unbounded.
	Since time.Time
	Until time.Time
	Limit int
}

// Match is one search hit.
type Match struct {
	Entry
	// Rank is the bm25 score; lower is more relevant.
	Rank    float64
	Snippet string
}

// Search matches query against succeeded transcription text. Results are
// ranked by relevance, then by recording time, newest first. Each word of
// query must appear; an empty query lists succeeded transcriptions by
// recency.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]Match, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var (
		where []string
		args  []any
		q     string
	)
	if opts.Language != "" {
		where = append(where, "t.language = ?")
		args = append(args, strings.ToLower(opts.Language))
	}
	if !opts.Since.IsZero() {
		where = append(where, "r.started_at >= ?")
		args = append(args, toMillis(opts.Since))
	}
	if !opts.Until.IsZero() {
		where = append(where, "r.started_at < ?")
		args = append(args, toMillis(opts.Until))
	}

	match := ftsQuery(query)
	if match == "" {
		where = append([]string{"t.status = 'succeeded'"}, where...)
		q = `SELECT ` + recordingCols + `, ` + transcriptionCols + `, 0.0, ''
		     FROM transcriptions t JOIN recordings r ON r.id = t.recording_id
		     WHERE ` + strings.Join(where, " AND ") + `
		     ORDER BY r.started_at DESC, t.created_at DESC
		     LIMIT ?`
	} else {
		where = append([]string{"transcriptions_fts MATCH ?"}, where...)
		args = append([]any{match}, args...)
		q = `SELECT ` + recordingCols + `, ` + transcriptionCols + `,
		            bm25(transcriptions_fts), snippet(transcriptions_fts, 0, '[', ']', '...', 12)
		     FROM transcriptions_fts
		     JOIN transcriptions t ON t.id = transcriptions_fts.transcription_id
		     JOIN recordings r ON r.id = t.recording_id
		     WHERE ` + strings.Join(where, " AND ") + `
		     ORDER BY bm25(transcriptions_fts) ASC, r.started_at DESC, t.created_at DESC
		     LIMIT ?`
	}
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("search", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		e, err := scanEntry(rows, &m.Rank, &m.Snippet)
		if err != nil {
			return nil, storageErr("scan match", err)
		}
		m.Entry = e
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search", err)
	}
	return out, nil
}

// ftsQuery quotes each word as an FTS5 string so user input never parses
// as query syntax. Words are ANDed.
func ftsQuery(query string) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// Stats summarises the history.
type Stats struct {
	Recordings     int
	TotalDuration  time.Duration
	TotalSize      int64
	Transcriptions map[Status]int
	ByLanguage     map[string]int
	ByModel        map[string]int
	Oldest         time.Time
	Newest         time.Time
}

// Stats returns totals over all recordings and transcriptions.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Transcriptions: make(map[Status]int),
		ByLanguage:     make(map[string]int),
		ByModel:        make(map[string]int),
	}

	var durationMS, oldest, newest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(size_bytes), 0),
		        COALESCE(MIN(started_at), 0), COALESCE(MAX(started_at), 0)
		 FROM recordings`).Scan(&st.Recordings, &durationMS, &st.TotalSize, &oldest, &newest)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	st.TotalDuration = time.Duration(durationMS) * time.Millisecond
	st.Oldest = fromMillis(oldest)
	st.Newest = fromMillis(newest)

	groups := []struct {
		query string
		put   func(key string, n int)
	}{
		{`SELECT status, COUNT(*) FROM transcriptions GROUP BY status`,
			func(k string, n int) { st.Transcriptions[Status(k)] = n }},
		{`SELECT language, COUNT(*) FROM transcriptions WHERE status = 'succeeded' GROUP BY language`,
			func(k string, n int) { st.ByLanguage[k] = n }},
		{`SELECT model, COUNT(*) FROM transcriptions GROUP BY model`,
			func(k string, n int) { st.ByModel[k] = n }},
	}
	for _, g := range groups {
		if err := s.groupCount(ctx, g.query, g.put); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

func (s *Store) groupCount(ctx context.Context, query string, put func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return storageErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return storageErr("stats", err)
		}
		put(key, n)
	}
	if err := rows.Err(); err != nil {
		return storageErr("stats", err)
	}
	return nil
}
