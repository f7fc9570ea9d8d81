// Package autosave drives the periodic save loop for one open report: it
// tracks unsaved edits, flushes them on a timer or on demand, and walks the
// editor through version conflicts when a flush is rejected.
package autosave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/reportd/internal/conflict"
	"github.com/fyrsmithlabs/reportd/internal/report"
	"github.com/fyrsmithlabs/reportd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/reportd/internal/autosave"

// draftCacheSize bounds how many documents can hold a draft backup at once.
const draftCacheSize = 128

// State is the scheduler's lifecycle state for one document.
type State string

const (
	// StateIdle means the buffer matches the last acknowledged save.
	StateIdle State = "idle"

	// StateDirty means unsaved edits exist.
	StateDirty State = "dirty"

	// StateSaving means a flush is in flight.
	StateSaving State = "saving"

	// StateConflicted means the last flush was rejected and the user must
	// resolve before saving can continue.
	StateConflicted State = "conflicted"
)

// Saver persists a snapshot of the edit buffer. Implemented by the store
// directly and by the HTTP client.
type Saver interface {
	Save(ctx context.Context, req *store.SaveRequest) (*report.Report, error)
}

// Config configures the scheduler.
type Config struct {
	// Interval is the periodic flush cadence.
	Interval time.Duration

	// SaveTimeout bounds a single flush attempt. A save that exceeds it is
	// treated as a transport failure and the edits stay dirty.
	SaveTimeout time.Duration

	// DraftTTL is how long a local draft backup survives without a
	// successful save.
	DraftTTL time.Duration

	// CoalesceInterval rate-limits draft backup writes under rapid typing.
	CoalesceInterval time.Duration
}

// DefaultConfig returns the reference cadence: flush every 5 minutes, give a
// flush 30 seconds, keep draft backups for an hour.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		SaveTimeout:      30 * time.Second,
		DraftTTL:         time.Hour,
		CoalesceInterval: 500 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.SaveTimeout <= 0 {
		return fmt.Errorf("save timeout must be positive")
	}
	if c.DraftTTL <= 0 {
		return fmt.Errorf("draft ttl must be positive")
	}
	if c.CoalesceInterval <= 0 {
		return fmt.Errorf("coalesce interval must be positive")
	}
	return nil
}

// Draft is a local backup of unsaved edits, kept so a crashed or abandoned
// session can be recovered within the TTL.
type Draft struct {
	DocumentID  string
	BaseVersion int64
	Fields      report.Fields
	SavedAt     time.Time
}

// queuedEdit is an edit made while a conflict was pending resolution.
type queuedEdit struct {
	field string
	value string
}

// Scheduler owns the autosave loop for one open document.
type Scheduler struct {
	config *Config
	saver  Saver
	actor  report.Actor
	logger *zap.Logger

	meter           metric.Meter
	flushCounter    metric.Int64Counter
	conflictCounter metric.Int64Counter

	drafts       *expirable.LRU[string, Draft]
	draftLimiter *rate.Limiter

	// OnSaved is invoked after every acknowledged flush.
	OnSaved func(saved *report.Report)

	// OnConflict is invoked when a flush is rejected and at least one field
	// needs a user decision. The server document is authoritative.
	OnConflict func(conflicts conflict.Set, server *report.Report)

	// OnError is invoked when a flush fails for transport reasons.
	OnError func(err error)

	mu       sync.Mutex
	state    State
	doc      *report.Report // last server-acknowledged document
	buffer   report.Fields  // current edit buffer
	editSeq  uint64         // bumped on every edit, detects edits racing a flush
	queued   []queuedEdit   // edits made while conflicted
	pendingC conflict.Set   // unresolved conflicts
	serverC  *report.Report // authoritative document from the rejected flush

	saveCh chan struct{}
}

// NewScheduler creates a scheduler for one document. doc is the loaded
// document, or nil when composing a report that does not exist yet.
func NewScheduler(cfg *Config, saver Saver, doc *report.Report, actor report.Actor, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid autosave config: %w", err)
	}
	if saver == nil {
		return nil, fmt.Errorf("saver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	buffer := report.Fields{}
	if doc != nil {
		doc = doc.Clone()
		buffer = doc.Fields.Clone()
	}

	s := &Scheduler{
		config:       cfg,
		saver:        saver,
		actor:        actor,
		logger:       logger.Named("autosave"),
		meter:        otel.Meter(instrumentationName),
		drafts:       expirable.NewLRU[string, Draft](draftCacheSize, nil, cfg.DraftTTL),
		draftLimiter: rate.NewLimiter(rate.Every(cfg.CoalesceInterval), 1),
		state:        StateIdle,
		doc:          doc,
		buffer:       buffer,
		saveCh:       make(chan struct{}, 1),
	}
	s.initMetrics()
	return s, nil
}

func (s *Scheduler) initMetrics() {
	var err error

	s.flushCounter, err = s.meter.Int64Counter(
		"reportd.autosave.flushes_total",
		metric.WithDescription("Total autosave flush attempts"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		s.logger.Warn("failed to create flush counter", zap.Error(err))
	}

	s.conflictCounter, err = s.meter.Int64Counter(
		"reportd.autosave.conflicts_total",
		metric.WithDescription("Total flushes rejected with a version conflict"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		s.logger.Warn("failed to create conflict counter", zap.Error(err))
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Document returns the last server-acknowledged document, or nil before the
// first save of a new report.
func (s *Scheduler) Document() *report.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	return s.doc.Clone()
}

// Buffer returns a copy of the current edit buffer.
func (s *Scheduler) Buffer() report.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Clone()
}

// Conflicts returns the pending conflict set and the authoritative server
// document, or a nil set when not conflicted.
func (s *Scheduler) Conflicts() (conflict.Set, *report.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConflicted {
		return nil, nil
	}
	set := make(conflict.Set, len(s.pendingC))
	copy(set, s.pendingC)
	return set, s.serverC.Clone()
}

// Edit applies one field change to the buffer. While a conflict is pending
// the edit is queued and replayed after resolution instead of being applied,
// so resolution operates on a stable snapshot.
func (s *Scheduler) Edit(field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConflicted {
		s.queued = append(s.queued, queuedEdit{field: field, value: value})
		return
	}

	if s.buffer[field] == value {
		return
	}
	s.buffer[field] = value
	s.editSeq++
	if s.state == StateIdle {
		s.state = StateDirty
	}

	s.backupDraftLocked()
}

// backupDraftLocked writes the buffer to the draft cache, rate-limited so
// rapid typing does not rewrite the draft on every keystroke. Caller holds
// s.mu.
func (s *Scheduler) backupDraftLocked() {
	if s.doc == nil || !s.draftLimiter.Allow() {
		return
	}
	s.drafts.Add(s.doc.ID, Draft{
		DocumentID:  s.doc.ID,
		BaseVersion: s.doc.Version,
		Fields:      s.buffer.Clone(),
		SavedAt:     time.Now(),
	})
}

// Draft returns the draft backup for a document if one exists and has not
// expired.
func (s *Scheduler) Draft(docID string) (Draft, bool) {
	return s.drafts.Get(docID)
}

// RestoreDraft loads a draft back into the buffer. The draft must have been
// taken against the current base version; a draft from an older version would
// silently reintroduce overwritten content.
func (s *Scheduler) RestoreDraft(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts.Get(docID)
	if !ok {
		return fmt.Errorf("no draft for document %s", docID)
	}
	if s.doc == nil || s.doc.ID != docID {
		return fmt.Errorf("draft document mismatch")
	}
	if draft.BaseVersion != s.doc.Version {
		return fmt.Errorf("draft is from version %d but document is at version %d",
			draft.BaseVersion, s.doc.Version)
	}

	s.buffer = draft.Fields.Clone()
	s.editSeq++
	if s.state == StateIdle {
		s.state = StateDirty
	}
	return nil
}

// Run executes the periodic flush loop until ctx is cancelled. The timer only
// produces a request when edits exist; a clean interval is a no-op.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.saveCh:
			s.flush(ctx)
		}
	}
}

// SaveNow requests an immediate flush. Idempotent: if a flush is already in
// flight or the buffer is clean, nothing happens.
func (s *Scheduler) SaveNow() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// flush pushes the buffer to the saver if there is anything to push. Edits
// made while the request is in flight are preserved: the buffer stays dirty
// and the next flush picks them up against the new version.
func (s *Scheduler) flush(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateDirty {
		s.mu.Unlock()
		return
	}

	snapshot := s.buffer.Clone()
	seq := s.editSeq
	var id string
	var base int64
	var original report.Fields
	if s.doc != nil {
		id = s.doc.ID
		base = s.doc.Version
		original = s.doc.Fields.Clone()
	} else {
		original = report.Fields{}
	}
	s.state = StateSaving
	s.mu.Unlock()

	if s.flushCounter != nil {
		s.flushCounter.Add(ctx, 1)
	}

	saveCtx, cancel := context.WithTimeout(ctx, s.config.SaveTimeout)
	saved, err := s.saver.Save(saveCtx, &store.SaveRequest{
		ID:          id,
		BaseVersion: base,
		Fields:      snapshot,
		Actor:       s.actor,
	})
	cancel()

	switch {
	case err == nil:
		s.acceptSave(saved, seq)

	default:
		if vc, ok := report.IsVersionConflict(err); ok {
			s.handleConflict(ctx, original, snapshot, seq, vc)
			return
		}
		s.failSave(err)
	}
}

// acceptSave records an acknowledged flush.
func (s *Scheduler) acceptSave(saved *report.Report, seq uint64) {
	s.mu.Lock()
	s.doc = saved.Clone()
	if s.editSeq == seq {
		s.state = StateIdle
		s.drafts.Remove(saved.ID)
	} else {
		// Edits landed while the request was in flight.
		s.state = StateDirty
	}
	s.mu.Unlock()

	s.logger.Debug("autosave flushed",
		zap.String("document_id", saved.ID),
		zap.Int64("version", saved.Version),
	)
	if s.OnSaved != nil {
		s.OnSaved(saved)
	}
}

// handleConflict runs three-way detection against the authoritative document.
// One-sided and convergent differences are merged and retried without user
// involvement; only genuine both-sides edits surface.
func (s *Scheduler) handleConflict(ctx context.Context, original, local report.Fields, seq uint64, vc *report.VersionConflictError) {
	if s.conflictCounter != nil {
		s.conflictCounter.Add(ctx, 1)
	}

	set := conflict.Detect(original, local, vc.Current.Fields)
	if set.Unresolved() == 0 {
		merged, err := conflict.Merge(vc.Current.Fields, set, nil)
		if err != nil {
			s.failSave(err)
			return
		}

		s.mu.Lock()
		s.doc = vc.Current.Clone()
		if s.editSeq == seq {
			s.buffer = merged.Clone()
		} else {
			// Edits landed while the rejected request was in flight. Rebase
			// field by field: a field still equal to the flushed snapshot
			// adopts the merged value (which carries the other party's
			// accepted change); a field edited since keeps the newer edit.
			rebased := merged.Clone()
			for f, v := range s.buffer {
				if local[f] != v {
					rebased[f] = v
				}
			}
			s.buffer = rebased
		}
		s.editSeq++
		s.state = StateDirty
		s.mu.Unlock()

		s.logger.Info("auto-merged non-overlapping concurrent edits",
			zap.String("document_id", vc.Current.ID),
			zap.Int64("server_version", vc.Current.Version),
		)
		s.SaveNow()
		return
	}

	s.mu.Lock()
	s.state = StateConflicted
	s.pendingC = set
	s.serverC = vc.Current.Clone()
	s.mu.Unlock()

	s.logger.Warn("autosave rejected with version conflict",
		zap.String("document_id", vc.Current.ID),
		zap.Int64("base_version", vc.BaseVersion),
		zap.Int64("server_version", vc.Current.Version),
		zap.Int("unresolved_fields", set.Unresolved()),
	)
	if s.OnConflict != nil {
		s.OnConflict(set, vc.Current.Clone())
	}
}

// failSave records a transport failure. The edits stay dirty so the next
// interval retries them.
func (s *Scheduler) failSave(err error) {
	s.mu.Lock()
	s.state = StateDirty
	s.mu.Unlock()

	if _, ok := report.IsTransportError(err); !ok {
		err = &report.TransportError{Op: "save", Err: err}
	}
	s.logger.Warn("autosave failed, will retry", zap.Error(err))
	if s.OnError != nil {
		s.OnError(err)
	}
}

// Resolve applies a conflict resolution policy and resumes saving. Edits
// queued while the conflict was pending are replayed onto the resolved buffer
// in the order they were made.
func (s *Scheduler) Resolve(policy conflict.Policy, choices map[string]conflict.Resolution) error {
	s.mu.Lock()
	if s.state != StateConflicted {
		s.mu.Unlock()
		return fmt.Errorf("no conflict to resolve")
	}

	server := s.serverC
	switch policy {
	case conflict.PolicyReload:
		// Discard local edits and adopt the server document.
		s.buffer = server.Fields.Clone()

	case conflict.PolicyOverride:
		// Keep the local buffer and rebase it onto the server version. The
		// server-side changes to the conflicted fields are overwritten.

	case conflict.PolicyMerge:
		merged, err := conflict.Merge(server.Fields, s.pendingC, choices)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.buffer = merged

	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown resolution policy %q", policy)
	}

	s.doc = server
	s.serverC = nil
	s.pendingC = nil

	for _, e := range s.queued {
		s.buffer[e.field] = e.value
	}
	replayed := len(s.queued)
	s.queued = nil
	s.editSeq++

	if policy == conflict.PolicyReload && replayed == 0 {
		s.state = StateIdle
	} else {
		s.state = StateDirty
	}
	dirty := s.state == StateDirty
	s.mu.Unlock()

	s.logger.Info("conflict resolved",
		zap.String("policy", string(policy)),
		zap.Int("replayed_edits", replayed),
	)
	if dirty {
		s.SaveNow()
	}
	return nil
}
