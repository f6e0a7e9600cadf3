// Package query is the read side of the recording history: listing,
// searching, exporting and comparing transcription attempts.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/gostt-recorder/internal/store"
)

// ErrNotComparable is returned by Compare when either attempt has no text.
var ErrNotComparable = errors.New("query: attempts are not comparable")

// Reader is the part of store.Store the service reads from.
type Reader interface {
	ListRecent(ctx context.Context, limit, offset int) ([]store.Entry, error)
	Get(ctx context.Context, id string) (store.Entry, error)
	Transcriptions(ctx context.Context, recordingID string) ([]store.Transcription, error)
	GetTranscription(ctx context.Context, id string) (store.Transcription, error)
	Search(ctx context.Context, query string, opts store.SearchOptions) ([]store.Match, error)
	Stats(ctx context.Context) (store.Stats, error)
	Delete(ctx context.Context, id string) error
}

// Service answers history queries.
type Service struct {
	store Reader
	log   *slog.Logger
}

// New creates a Service over st.
func New(st Reader, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, log: log.With("component", "query")}
}

// List returns recordings newest first with their latest transcription.
func (s *Service) List(ctx context.Context, limit, offset int) ([]store.Entry, error) {
	return s.store.ListRecent(ctx, limit, offset)
}

// Search matches succeeded transcriptions, best match first and the most
// recent recording first among equals. An empty query lists by recency.
func (s *Service) Search(ctx context.Context, q string, opts store.SearchOptions) ([]store.Match, error) {
	matches, err := s.store.Search(ctx, strings.TrimSpace(q), opts)
	if err != nil {
		return nil, err
	}
	s.log.Debug("search", "query", q, "language", opts.Language, "matches", len(matches))
	return matches, nil
}

// Detail is a recording with every transcription attempt, oldest first.
type Detail struct {
	Recording store.Recording
	Attempts  []store.Transcription
}

// Latest returns the newest attempt.
func (d Detail) Latest() store.Transcription {
	if len(d.Attempts) == 0 {
		return store.Transcription{}
	}
	return d.Attempts[len(d.Attempts)-1]
}

// Best returns the newest succeeded attempt, or the newest attempt if none
// succeeded.
func (d Detail) Best() store.Transcription {
	for i := len(d.Attempts) - 1; i >= 0; i-- {
		if d.Attempts[i].Status == store.StatusSucceeded {
			return d.Attempts[i]
		}
	}
	return d.Latest()
}

// Show loads a recording and its full attempt history.
func (s *Service) Show(ctx context.Context, recordingID string) (Detail, error) {
	e, err := s.store.Get(ctx, recordingID)
	if err != nil {
		return Detail{}, err
	}
	attempts, err := s.store.Transcriptions(ctx, recordingID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Recording: e.Recording, Attempts: attempts}, nil
}

// Delete removes a recording, its transcriptions and its audio file.
func (s *Service) Delete(ctx context.Context, recordingID string) error {
	if err := s.store.Delete(ctx, recordingID); err != nil {
		return err
	}
	s.log.Info("recording deleted", "recording", recordingID)
	return nil
}

// Stats summarizes the history.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// Compare measures how far the hyp attempt drifted from the ref attempt.
// Both must be succeeded transcriptions.
func (s *Service) Compare(ctx context.Context, refID, hypID string) (Diff, error) {
	ref, err := s.store.GetTranscription(ctx, refID)
	if err != nil {
		return Diff{}, err
	}
	hyp, err := s.store.GetTranscription(ctx, hypID)
	if err != nil {
		return Diff{}, err
	}
	if ref.Status != store.StatusSucceeded || hyp.Status != store.StatusSucceeded {
		return Diff{}, fmt.Errorf("%w: %s is %s, %s is %s", ErrNotComparable, ref.ID, ref.Status, hyp.ID, hyp.Status)
	}
	d := compareWords(ref.Text, hyp.Text)
	d.Reference, d.Hypothesis = ref.ID, hyp.ID
	return d, nil
}

// CompareLatest compares the two most recent succeeded attempts of a
// recording.
func (s *Service) CompareLatest(ctx context.Context, recordingID string) (Diff, error) {
	attempts, err := s.store.Transcriptions(ctx, recordingID)
	if err != nil {
		return Diff{}, err
	}
	var done []store.Transcription
	for _, t := range attempts {
		if t.Status == store.StatusSucceeded {
			done = append(done, t)
		}
	}
	if len(done) < 2 {
		return Diff{}, fmt.Errorf("%w: recording %s has %d succeeded attempts", ErrNotComparable, recordingID, len(done))
	}
	ref, hyp := done[len(done)-2], done[len(done)-1]
	d := compareWords(ref.Text, hyp.Text)
	d.Reference, d.Hypothesis = ref.ID, hyp.ID
	return d, nil
}
