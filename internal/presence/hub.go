package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/reportd/internal/presence"

// subscriberBuffer is the per-subscriber event queue depth. When a slow
// subscriber falls behind, the oldest queued event is dropped; every payload
// carries the full membership, so the latest event supersedes earlier ones.
const subscriberBuffer = 16

// HubConfig configures the presence hub.
type HubConfig struct {
	// StaleAfter is how long an entry may go without activity before it is
	// garbage-collected. Must exceed the client heartbeat interval.
	StaleAfter time.Duration

	// SweepInterval is how often the background GC sweep runs.
	SweepInterval time.Duration
}

// DefaultHubConfig returns sensible defaults: clients heartbeat every 30s,
// so an entry silent for 90s is considered gone.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		StaleAfter:    90 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Publisher forwards membership updates to other server processes. Used by
// the optional NATS bridge; nil means single-process operation.
type Publisher interface {
	PublishMembership(docID string, users []Entry)
}

// Hub is the per-process presence registry: document id to the set of users
// currently editing it. Clients only send intents (start, stop, activity);
// the hub exclusively owns and mutates the membership sets.
type Hub struct {
	config *HubConfig
	logger *zap.Logger
	clock  func() time.Time

	meter            metric.Meter
	sessionsGauge    metric.Int64UpDownCounter
	broadcastCounter metric.Int64Counter

	mu        sync.Mutex
	docs      map[string]map[string]*Entry
	subs      map[string]map[*Subscription]struct{}
	publisher Publisher
}

// NewHub creates a presence hub.
func NewHub(cfg *HubConfig, logger *zap.Logger) *Hub {
	if cfg == nil {
		cfg = DefaultHubConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		config: cfg,
		logger: logger,
		clock:  time.Now,
		meter:  otel.Meter(instrumentationName),
		docs:   make(map[string]map[string]*Entry),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	h.initMetrics()
	return h
}

func (h *Hub) initMetrics() {
	var err error

	h.sessionsGauge, err = h.meter.Int64UpDownCounter(
		"reportd.presence.editing_users",
		metric.WithDescription("Number of active presence entries across all documents"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		h.logger.Warn("failed to create sessions gauge", zap.Error(err))
	}

	h.broadcastCounter, err = h.meter.Int64Counter(
		"reportd.presence.broadcasts_total",
		metric.WithDescription("Total membership broadcasts"),
		metric.WithUnit("{broadcast}"),
	)
	if err != nil {
		h.logger.Warn("failed to create broadcast counter", zap.Error(err))
	}
}

// SetPublisher installs the cross-process membership publisher.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// Run executes the periodic stale-entry sweep until ctx is cancelled. A user
// whose client died without a stop intent must not appear as editing
// indefinitely.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Subscription receives ordered events for one document.
type Subscription struct {
	hub   *Hub
	docID string
	ch    chan Event

	once sync.Once
}

// Events returns the subscription's event channel. Events for one document
// are delivered in the order the hub applied the corresponding mutation.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.docID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.docID)
			}
		}
		// Closed under the hub lock, so deliverLocked can never race a send
		// against the close.
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Subscribe registers a viewer for one document's events.
func (h *Hub) Subscribe(docID string) *Subscription {
	sub := &Subscription{
		hub:   h,
		docID: docID,
		ch:    make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	set, ok := h.subs[docID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[docID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// StartEditing adds (or replaces) a user's entry on a document and
// broadcasts the updated membership. Re-registering replaces the entry, so
// the operation is idempotent with respect to membership.
func (h *Hub) StartEditing(docID, userID, username string) {
	now := h.clock()

	h.mu.Lock()
	entries, ok := h.docs[docID]
	if !ok {
		entries = make(map[string]*Entry)
		h.docs[docID] = entries
	}

	prev, existed := entries[userID]
	startedAt := now
	if existed {
		// Keep the original start time across re-registration.
		startedAt = prev.StartedAt
	}
	entries[userID] = &Entry{
		DocumentID:   docID,
		UserID:       userID,
		Username:     username,
		StartedAt:    startedAt,
		LastActivity: now,
	}

	stale := h.removeStaleLocked(docID, now)
	users := h.membershipLocked(docID)
	h.broadcastLocked(docID, users)
	h.mu.Unlock()

	if h.sessionsGauge != nil {
		delta := int64(-stale)
		if !existed {
			delta++
		}
		if delta != 0 {
			h.sessionsGauge.Add(context.Background(), delta)
		}
	}
	h.logger.Debug("user started editing",
		zap.String("document_id", docID),
		zap.String("user_id", userID),
		zap.Int("editing_users", len(users)),
	)
}

// Activity refreshes a user's last-activity time. Heartbeats are silent:
// membership did not change, so nothing is broadcast.
func (h *Hub) Activity(docID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.docs[docID][userID]; ok {
		entry.LastActivity = h.clock()
	}
}

// StopEditing removes a user's entry and broadcasts the updated membership.
// Removing an absent entry is a no-op and broadcasts nothing.
func (h *Hub) StopEditing(docID, userID string) {
	h.mu.Lock()
	entries, ok := h.docs[docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := entries[userID]; !ok {
		h.mu.Unlock()
		return
	}

	delete(entries, userID)
	if len(entries) == 0 {
		delete(h.docs, docID)
	}
	users := h.membershipLocked(docID)
	h.broadcastLocked(docID, users)
	h.mu.Unlock()

	if h.sessionsGauge != nil {
		h.sessionsGauge.Add(context.Background(), -1)
	}
	h.logger.Debug("user stopped editing",
		zap.String("document_id", docID),
		zap.String("user_id", userID),
	)
}

// Editing returns the current membership for a document, ordered by start
// time then user id. Stale entries are collected before the snapshot.
func (h *Hub) Editing(docID string) []Entry {
	h.mu.Lock()
	stale := h.removeStaleLocked(docID, h.clock())
	users := h.membershipLocked(docID)
	h.mu.Unlock()

	if stale > 0 && h.sessionsGauge != nil {
		h.sessionsGauge.Add(context.Background(), int64(-stale))
	}
	return users
}

// ReportSaved implements store.Notifier: an accepted write fans out to the
// document's viewers so they can detect staleness without polling.
func (h *Hub) ReportSaved(docID, username string, version int64) {
	h.mu.Lock()
	h.deliverLocked(docID, Event{
		Type:       TypeReportSaved,
		DocumentID: docID,
		Username:   username,
		Version:    version,
	})
	h.mu.Unlock()
}

// ForwardRemote delivers a membership snapshot that originated on another
// server process to local subscribers. The local entry map is not touched;
// each process remains the exclusive owner of its own entries.
func (h *Hub) ForwardRemote(docID string, users []Entry) {
	h.mu.Lock()
	h.deliverLocked(docID, Event{
		Type:       TypeEditingUsers,
		DocumentID: docID,
		Users:      users,
	})
	h.mu.Unlock()
}

// sweep garbage-collects stale entries on every document and broadcasts for
// the documents whose membership changed.
func (h *Hub) sweep() {
	now := h.clock()
	removedTotal := 0

	h.mu.Lock()
	for docID := range h.docs {
		removed := h.removeStaleLocked(docID, now)
		if removed > 0 {
			removedTotal += removed
			h.broadcastLocked(docID, h.membershipLocked(docID))
		}
	}
	h.mu.Unlock()

	if removedTotal > 0 {
		if h.sessionsGauge != nil {
			h.sessionsGauge.Add(context.Background(), int64(-removedTotal))
		}
		h.logger.Info("collected stale presence entries", zap.Int("removed", removedTotal))
	}
}

// removeStaleLocked drops entries whose last activity is older than the
// staleness window. Caller holds h.mu. Returns the number removed.
func (h *Hub) removeStaleLocked(docID string, now time.Time) int {
	entries, ok := h.docs[docID]
	if !ok {
		return 0
	}

	removed := 0
	for userID, entry := range entries {
		if now.Sub(entry.LastActivity) > h.config.StaleAfter {
			delete(entries, userID)
			removed++
		}
	}
	if len(entries) == 0 {
		delete(h.docs, docID)
	}
	return removed
}

// membershipLocked snapshots a document's membership. Caller holds h.mu.
func (h *Hub) membershipLocked(docID string) []Entry {
	entries := h.docs[docID]
	users := make([]Entry, 0, len(entries))
	for _, e := range entries {
		users = append(users, *e)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].StartedAt.Equal(users[j].StartedAt) {
			return users[i].StartedAt.Before(users[j].StartedAt)
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

// broadcastLocked delivers the full membership list to every subscriber of
// the document and to the cross-process publisher. Caller holds h.mu.
func (h *Hub) broadcastLocked(docID string, users []Entry) {
	h.deliverLocked(docID, Event{
		Type:       TypeEditingUsers,
		DocumentID: docID,
		Users:      users,
	})

	if h.publisher != nil {
		h.publisher.PublishMembership(docID, users)
	}
	if h.broadcastCounter != nil {
		h.broadcastCounter.Add(context.Background(), 1)
	}
}

// deliverLocked queues an event on every subscriber of the document,
// dropping each subscriber's oldest queued event when its buffer is full.
// Caller holds h.mu.
func (h *Hub) deliverLocked(docID string, ev Event) {
	for sub := range h.subs[docID] {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
