// Package presence tracks which users are actively editing each report and
// fans membership changes out to every connected viewer in real time.
package presence

import (
	"time"
)

// Entry is one user's presence on one document. Entries are owned
// exclusively by the Hub; one entry exists per (document, user) pair.
type Entry struct {
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Message types on the presence websocket. Every frame is a JSON object with
// a "type" discriminator.
const (
	TypePing                = "ping"
	TypePong                = "pong"
	TypeStartEditing        = "start_editing"
	TypeStopEditing         = "stop_editing"
	TypeActivity            = "activity"
	TypeEditingUsers        = "editing_users"
	TypeConnectionConfirmed = "connection_confirmed"
	TypeReportSaved         = "report_saved"
)

// Message is the wire envelope for presence frames in both directions.
// Unused fields are omitted per type.
type Message struct {
	Type       string  `json:"type"`
	DocumentID string  `json:"document_id,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	Username   string  `json:"username,omitempty"`
	Users      []Entry `json:"users,omitempty"`
	Version    int64   `json:"version,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

// Event is what the hub delivers to subscribers of a document: either the
// full current membership after a change, or a save notification from the
// version store.
type Event struct {
	Type       string
	DocumentID string
	Users      []Entry
	Username   string
	Version    int64
}
