package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

// MemoryStore is an in-memory Store with the same compare-and-swap semantics
// as SQLiteStore. Used by tests and by in-process embedding.
type MemoryStore struct {
	mu       sync.Mutex
	reports  map[string]*report.Report
	notifier Notifier
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]*report.Report),
	}
}

// SetNotifier installs the post-save notifier.
func (s *MemoryStore) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Get retrieves a report by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return r.Clone(), nil
}

// List retrieves all reports, newest first.
func (s *MemoryStore) List(_ context.Context) ([]*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*report.Report, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Save persists a report under compare-and-swap.
func (s *MemoryStore) Save(_ context.Context, req *SaveRequest) (*report.Report, error) {
	s.mu.Lock()

	now := time.Now().UTC()
	var saved *report.Report

	if req.ID == "" {
		saved = &report.Report{
			ID:        uuid.New().String(),
			Version:   1,
			Fields:    req.Fields.Clone(),
			UpdatedBy: req.Actor.Username,
			UpdatedAt: now,
		}
	} else {
		current, ok := s.reports[req.ID]
		if !ok {
			s.mu.Unlock()
			return nil, report.ErrNotFound
		}
		if current.Version != req.BaseVersion {
			conflict := &report.VersionConflictError{
				BaseVersion: req.BaseVersion,
				Current:     current.Clone(),
			}
			s.mu.Unlock()
			return nil, conflict
		}
		saved = &report.Report{
			ID:        req.ID,
			Version:   current.Version + 1,
			Fields:    req.Fields.Clone(),
			UpdatedBy: req.Actor.Username,
			UpdatedAt: now,
		}
	}

	s.reports[saved.ID] = saved
	notifier := s.notifier
	result := saved.Clone()
	s.mu.Unlock()

	if notifier != nil {
		notifier.ReportSaved(result.ID, result.UpdatedBy, result.Version)
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
