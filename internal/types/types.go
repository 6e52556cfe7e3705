// Package types provides the shared data model for the lookout pipeline.
// This package exists to break import cycles between the session store,
// mailbox broker, context builder, and observer agent. Types here are
// foundational data structures with no dependencies beyond the standard
// library.
package types

import (
	"fmt"
	"path/filepath"
	"time"
)

// SessionStatus tracks where a session is in its lifecycle.
type SessionStatus string

const (
	// StatusActive means a client or observer is attached to the session.
	StatusActive SessionStatus = "active"
	// StatusIdle means the session exists but no client is attached.
	StatusIdle SessionStatus = "idle"
	// StatusClosed means the session was explicitly terminated.
	StatusClosed SessionStatus = "closed"
)

// SessionIDLayout is the time layout session ids are derived from.
// Second precision keeps ids monotonically sortable; same-second
// collisions get a random suffix appended by the store.
const SessionIDLayout = "20060102_150405"

// Session is the durable record of one observer session.
type Session struct {
	ID             string        `json:"id"`
	ProjectRoot    string        `json:"project_root"`
	CreatedAt      time.Time     `json:"created"`
	LastAccessedAt time.Time     `json:"last_accessed"`
	Status         SessionStatus `json:"status"`
}

// ContextFileName returns the name of the session's context artifact file.
func (s Session) ContextFileName() string {
	return fmt.Sprintf("project_context_%s.txt", s.ID)
}

// LogFileName returns the name of the session's transcript log. The log is
// written by the foreground assistant, not by lookout; the observer only
// tails it.
func (s Session) LogFileName() string {
	return fmt.Sprintf("session_%s.log", s.ID)
}

// ConversationFileName returns the name of the session's exchange history.
func (s Session) ConversationFileName() string {
	return fmt.Sprintf("conversation_%s.json", s.ID)
}

// ContextPath resolves the artifact file under the sessions directory.
func (s Session) ContextPath(sessionsDir string) string {
	return filepath.Join(sessionsDir, s.ContextFileName())
}

// LogPath resolves the transcript log under the sessions directory.
func (s Session) LogPath(sessionsDir string) string {
	return filepath.Join(sessionsDir, s.LogFileName())
}

// ConversationPath resolves the exchange history under the sessions directory.
func (s Session) ConversationPath(sessionsDir string) string {
	return filepath.Join(sessionsDir, s.ConversationFileName())
}

// Request is one question deposited in the mailbox. At most one unconsumed
// request exists per session at any time.
type Request struct {
	SessionID   string    `json:"session_id"`
	Query       string    `json:"query"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Response is the terminal message for a consumed request. Exactly one of
// Answer or Err is meaningful: a non-empty Err marks a failed exchange.
type Response struct {
	SessionID  string    `json:"session_id"`
	Answer     string    `json:"answer,omitempty"`
	Err        string    `json:"error,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

// IsError reports whether the response carries an error instead of an answer.
func (r Response) IsError() bool { return r.Err != "" }

// ChangeKind classifies a project mutation observed by the change watcher.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeWritten ChangeKind = "written"
	ChangeRemoved ChangeKind = "removed"
	ChangeRenamed ChangeKind = "renamed"
)

// ChangeEntry is one append-only record in the change log. The pipeline only
// reads these; the watcher (or an external hook) writes them.
type ChangeEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      ChangeKind `json:"kind"`
	Detail    string     `json:"detail"`
}

// Artifact describes a generated context snapshot. The content lives in the
// file at Path; the struct is metadata plus the bookkeeping the builder
// reports back (what went in, what was left out).
type Artifact struct {
	SessionID   string
	ProjectRoot string
	Path        string
	GeneratedAt time.Time
	SizeBytes   int
	Included    []string
	Omitted     []string
}
