package store

import (
	"context"
	"time"
)

// ReasonInterrupted is stored on transcriptions left pending by a process
// that never finished them.
const ReasonInterrupted = "interrupted"

// FailStale marks transcriptions that have been pending for longer than
// olderThan as failed with reason. It returns how many rows changed.
func (s *Store) FailStale(ctx context.Context, olderThan time.Duration, reason string) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcriptions SET status = 'failed', error = ?, completed_at = ?
		 WHERE status = 'pending' AND created_at < ?`,
		reason, toMillis(now), toMillis(now.Add(-olderThan)))
	if err != nil {
		return 0, storageErr("fail stale transcriptions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("rows affected", err)
	}
	if n > 0 {
		s.log.Warn("marked stale transcriptions failed", "count", n, "reason", reason)
	}
	return int(n), nil
}

// Policy bounds how much history is kept. Zero fields are not enforced.
type Policy struct {
	MaxAge   time.Duration
	MaxCount int
}

// Enabled reports whether the policy would ever delete anything.
func (p Policy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxCount > 0
}

// Report summarises a retention sweep.
type Report struct {
	Deleted int
	Failed  int
	// Interrupted counts pending transcriptions marked failed first.
	Interrupted int
}

// ApplyRetention deletes recordings older than MaxAge or beyond the newest
// MaxCount, oldest first. Recordings with a pending transcription are left
// alone. A row that fails to delete is logged and skipped; running the
// sweep again with no new inserts deletes nothing further.
func (s *Store) ApplyRetention(ctx context.Context, p Policy) (Report, error) {
	var rep Report
	if !p.Enabled() {
		return rep, nil
	}

	var cutoff int64
	if p.MaxAge > 0 {
		cutoff = toMillis(s.clock().Add(-p.MaxAge))
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT c.id FROM (
    SELECT r.id, r.started_at,
           ROW_NUMBER() OVER (ORDER BY r.started_at DESC, r.id DESC) AS rn
    FROM recordings r
) AS c
WHERE ((? > 0 AND c.started_at < ?) OR (? > 0 AND c.rn > ?))
  AND NOT EXISTS (
    SELECT 1 FROM transcriptions t WHERE t.recording_id = c.id AND t.status = 'pending')
ORDER BY c.started_at ASC, c.id ASC`,
		cutoff, cutoff, p.MaxCount, p.MaxCount)
	if err != nil {
		return rep, storageErr("retention candidates", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return rep, storageErr("retention candidates", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return rep, storageErr("retention candidates", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.Delete(ctx, id); err != nil {
			s.log.Warn("retention: skipping recording", "id", id, "error", err)
			rep.Failed++
			continue
		}
		rep.Deleted++
	}
	if rep.Deleted > 0 || rep.Failed > 0 {
		s.log.Info("retention sweep", "deleted", rep.Deleted, "failed", rep.Failed)
	}
	return rep, nil
}
