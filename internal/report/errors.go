package report

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a report id does not exist in the store.
var ErrNotFound = errors.New("report not found")

// VersionConflictError is returned by a compare-and-swap write whose base
// version no longer matches the stored version. It carries the authoritative
// document so the caller can diff without a second round trip.
type VersionConflictError struct {
	// BaseVersion is the version the caller expected to replace.
	BaseVersion int64

	// Current is the document as stored at the time of the rejected write.
	Current *Report
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: base version %d, stored version %d",
		e.BaseVersion, e.Current.Version)
}

// IsVersionConflict reports whether err is a version conflict and, if so,
// returns it.
func IsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}

// TransportError wraps a failure to reach the store across the network
// boundary. Save attempts that time out or cannot connect surface this; the
// caller retries or reports it, but never discards local edits because of it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a transport failure and, if so,
// returns it.
func IsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
