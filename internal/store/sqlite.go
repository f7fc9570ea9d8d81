package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

const instrumentationName = "github.com/fyrsmithlabs/reportd/internal/store"

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	fields     TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	saveCounter     metric.Int64Counter
	conflictCounter metric.Int64Counter

	mu       sync.RWMutex
	notifier Notifier
	closed   bool
}

// OpenSQLite opens (creating if needed) the report database under dataDir.
//
// The database is opened with WAL mode and a single writer connection;
// combined with the transactional compare-and-swap in Save, writes to one
// document are serialized.
func OpenSQLite(dataDir string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "reportd.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *SQLiteStore) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"reportd.store.saves_total",
		metric.WithDescription("Total accepted report writes"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.conflictCounter, err = s.meter.Int64Counter(
		"reportd.store.conflicts_total",
		metric.WithDescription("Total writes rejected by version mismatch"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		s.logger.Warn("failed to create conflict counter", zap.Error(err))
	}
}

// SetNotifier installs the post-save notifier. Typically wired to the
// presence hub at startup.
func (s *SQLiteStore) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Get retrieves a report by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*report.Report, error) {
	ctx, span := s.tracer.Start(ctx, "store.get")
	defer span.End()
	span.SetAttributes(attribute.String("report_id", id))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, version, fields, updated_by, updated_at FROM reports WHERE id = ?", id)

	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// List retrieves all reports, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*report.Report, error) {
	ctx, span := s.tracer.Start(ctx, "store.list")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, version, fields, updated_by, updated_at FROM reports ORDER BY updated_at DESC")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*report.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(reports)))
	return reports, nil
}

// Save persists a report under compare-and-swap.
func (s *SQLiteStore) Save(ctx context.Context, req *SaveRequest) (*report.Report, error) {
	ctx, span := s.tracer.Start(ctx, "store.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("report_id", req.ID),
		attribute.Int64("base_version", req.BaseVersion),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	fieldsJSON, err := json.Marshal(req.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}

	now := time.Now().UTC()

	var saved *report.Report
	if req.ID == "" {
		saved, err = s.create(ctx, req, fieldsJSON, now)
	} else {
		saved, err = s.update(ctx, req, fieldsJSON, now)
	}
	if err != nil {
		if _, ok := report.IsVersionConflict(err); ok {
			if s.conflictCounter != nil {
				s.conflictCounter.Add(ctx, 1)
			}
			s.logger.Info("rejected stale write",
				zap.String("report_id", req.ID),
				zap.Int64("base_version", req.BaseVersion),
			)
		} else {
			span.RecordError(err)
		}
		return nil, err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("created", req.ID == ""),
		))
	}
	s.logger.Info("saved report",
		zap.String("report_id", saved.ID),
		zap.Int64("version", saved.Version),
		zap.String("updated_by", saved.UpdatedBy),
	)

	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	if notifier != nil {
		notifier.ReportSaved(saved.ID, saved.UpdatedBy, saved.Version)
	}

	span.SetAttributes(attribute.Int64("version", saved.Version))
	return saved, nil
}

// create inserts a new document at version 1. Creation cannot conflict.
func (s *SQLiteStore) create(ctx context.Context, req *SaveRequest, fieldsJSON []byte, now time.Time) (*report.Report, error) {
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO reports (id, version, fields, updated_by, updated_at) VALUES (?, 1, ?, ?, ?)",
		id, string(fieldsJSON), req.Actor.Username, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	return &report.Report{
		ID:        id,
		Version:   1,
		Fields:    req.Fields.Clone(),
		UpdatedBy: req.Actor.Username,
		UpdatedAt: now,
	}, nil
}

// update applies a compare-and-swap write inside a transaction. The observe
// and apply steps share the transaction, so no other write to the same id
// can interleave.
func (s *SQLiteStore) update(ctx context.Context, req *SaveRequest, fieldsJSON []byte, now time.Time) (*report.Report, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT id, version, fields, updated_by, updated_at FROM reports WHERE id = ?", req.ID)
	current, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current report: %w", err)
	}

	if current.Version != req.BaseVersion {
		return nil, &report.VersionConflictError{
			BaseVersion: req.BaseVersion,
			Current:     current,
		}
	}

	newVersion := current.Version + 1
	res, err := tx.ExecContext(ctx,
		"UPDATE reports SET version = ?, fields = ?, updated_by = ?, updated_at = ? WHERE id = ? AND version = ?",
		newVersion, string(fieldsJSON), req.Actor.Username, now.Unix(), req.ID, req.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update: %w", err)
	}
	if affected != 1 {
		// Cannot happen inside the transaction, but fail closed if it does.
		return nil, &report.VersionConflictError{
			BaseVersion: req.BaseVersion,
			Current:     current,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}

	return &report.Report{
		ID:        req.ID,
		Version:   newVersion,
		Fields:    req.Fields.Clone(),
		UpdatedBy: req.Actor.Username,
		UpdatedAt: now,
	}, nil
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*report.Report, error) {
	var (
		r          report.Report
		fieldsJSON string
		updatedAt  int64
	)
	if err := row.Scan(&r.ID, &r.Version, &fieldsJSON, &r.UpdatedBy, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}
