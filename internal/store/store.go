// Package store persists weekly-report documents under optimistic
// concurrency control.
//
// Every accepted write increments the document version by exactly one, and an
// update is accepted only when the caller's base version equals the stored
// version (compare-and-swap). A rejected write returns the authoritative
// document inside the error so the caller can resolve the conflict without a
// second read.
package store

import (
	"context"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

// SaveRequest represents parameters for a save.
type SaveRequest struct {
	// ID is the document to update. Empty creates a new document, which
	// always succeeds and is assigned version 1.
	ID string

	// BaseVersion is the version the caller last observed. Ignored on
	// create.
	BaseVersion int64

	// Fields is the complete field set to persist.
	Fields report.Fields

	// Actor is the user performing the save.
	Actor report.Actor
}

// Store provides versioned report persistence.
type Store interface {
	// Get retrieves a report by id. Returns report.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*report.Report, error)

	// List retrieves all reports, newest first.
	List(ctx context.Context) ([]*report.Report, error)

	// Save persists a report. On a version mismatch it fails with
	// *report.VersionConflictError carrying the stored document; no partial
	// write occurs.
	Save(ctx context.Context, req *SaveRequest) (*report.Report, error)

	// Close closes the store.
	Close() error
}

// Notifier receives a notification after every accepted write, so viewers of
// the same document can learn of remote saves independent of their own
// autosave timer. Implementations must not block.
type Notifier interface {
	ReportSaved(docID, username string, version int64)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(docID, username string, version int64)

func (f NotifierFunc) ReportSaved(docID, username string, version int64) {
	f(docID, username, version)
}
