// Package mailbox implements the filesystem message exchange between the
// interactive client and the observer agent.
//
// Each session owns three well-known slot files under the mailbox directory:
//
//	request_<session>.msg      raw query text, written by the client
//	response_<session>.msg     JSON response, written by the agent
//	processing_<session>.marker  present while the agent works a request
//
// Writers stage content in a temp file and rename it into the slot, so a
// reader never observes a partial message. Readers read then delete, in that
// order, so a crash mid-read leaves the message intact for the next attempt.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// Broker is the transport between the two processes. The interface exists so
// the agent state machine and client loop can be driven by an in-memory
// double in tests.
type Broker interface {
	// Enqueue deposits a request for the session. A still-unconsumed
	// earlier request fails with types.ErrRequestInFlight.
	Enqueue(sessionID, query string) error
	// Consume removes and returns the pending request, if any.
	Consume(sessionID string) (types.Request, bool, error)
	// Respond deposits the terminal response for a consumed request.
	Respond(resp types.Response) error
	// Await polls for the session's response until timeout or context
	// cancellation. On timeout the pending request is withdrawn
	// (best-effort) and types.ErrResponseTimeout returned.
	Await(ctx context.Context, sessionID string, timeout time.Duration) (types.Response, error)
	// Cancel withdraws the session's pending request if still unconsumed.
	Cancel(sessionID string) error
	// MarkProcessing flags that the agent is working the session's request.
	MarkProcessing(sessionID string) error
	// Processing reports whether the session's work marker is present.
	Processing(sessionID string) bool
	// ClearProcessing removes the session's work marker.
	ClearProcessing(sessionID string) error
	// Sweep removes slot files belonging to no active session and returns
	// how many it removed. It never fails on individual files.
	Sweep(activeIDs []string) (int, error)
}

const (
	requestPrefix  = "request_"
	responsePrefix = "response_"
	markerPrefix   = "processing_"
	slotSuffix     = ".msg"
	markerSuffix   = ".marker"
	tmpSuffix      = ".tmp"
)

// FileBroker is the production Broker over a shared directory.
type FileBroker struct {
	dir          string
	pollInterval time.Duration
}

// NewFileBroker opens (creating if needed) the mailbox directory.
func NewFileBroker(dir string, pollInterval time.Duration) (*FileBroker, error) {
	if dir == "" {
		return nil, fmt.Errorf("mailbox directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mailbox directory: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &FileBroker{dir: dir, pollInterval: pollInterval}, nil
}

// Dir returns the mailbox directory.
func (b *FileBroker) Dir() string { return b.dir }

func (b *FileBroker) requestPath(sessionID string) string {
	return filepath.Join(b.dir, requestPrefix+sessionID+slotSuffix)
}

func (b *FileBroker) responsePath(sessionID string) string {
	return filepath.Join(b.dir, responsePrefix+sessionID+slotSuffix)
}

func (b *FileBroker) markerPath(sessionID string) string {
	return filepath.Join(b.dir, markerPrefix+sessionID+markerSuffix)
}

// Enqueue writes the raw query into the session's request slot.
func (b *FileBroker) Enqueue(sessionID, query string) error {
	path := b.requestPath(sessionID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("session %s already has a pending request: %w", sessionID, types.ErrRequestInFlight)
	}
	if err := writeSlot(path, []byte(query)); err != nil {
		return fmt.Errorf("enqueueing request: %w", err)
	}
	logging.Mailbox("request enqueued for session %s (%d bytes)", sessionID, len(query))
	return nil
}

// Consume reads then deletes the request slot. Deletion is last so a crash
// mid-read redelivers rather than losing the request.
func (b *FileBroker) Consume(sessionID string) (types.Request, bool, error) {
	path := b.requestPath(sessionID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Request{}, false, nil
		}
		return types.Request{}, false, fmt.Errorf("checking request slot: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Request{}, false, nil // withdrawn between stat and read
		}
		return types.Request{}, false, fmt.Errorf("reading request slot: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.Request{}, false, fmt.Errorf("clearing request slot: %w", err)
	}

	logging.Mailbox("request consumed for session %s", sessionID)
	return types.Request{
		SessionID:   sessionID,
		Query:       strings.TrimSpace(string(data)),
		SubmittedAt: info.ModTime(),
	}, true, nil
}

// Respond writes the response slot and clears the work marker.
func (b *FileBroker) Respond(resp types.Response) error {
	if resp.AnsweredAt.IsZero() {
		resp.AnsweredAt = time.Now()
	}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}
	if err := writeSlot(b.responsePath(resp.SessionID), data); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	b.ClearProcessing(resp.SessionID)
	logging.Mailbox("response written for session %s (error=%v)", resp.SessionID, resp.IsError())
	return nil
}

// Await polls the response slot at the broker's interval.
func (b *FileBroker) Await(ctx context.Context, sessionID string, timeout time.Duration) (types.Response, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		resp, ok, err := b.takeResponse(sessionID)
		if err != nil {
			return types.Response{}, err
		}
		if ok {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-deadline.C:
			// Withdraw the request so the slot does not stay occupied;
			// the agent may already be processing it, in which case the
			// orphaned response is cleared by the next startup sweep.
			if err := b.Cancel(sessionID); err != nil {
				logging.Mailbox("cancel after timeout failed for session %s: %v", sessionID, err)
			}
			return types.Response{}, fmt.Errorf("no response for session %s within %v: %w",
				sessionID, timeout, types.ErrResponseTimeout)
		case <-ticker.C:
		}
	}
}

// takeResponse reads then deletes the response slot.
func (b *FileBroker) takeResponse(sessionID string) (types.Response, bool, error) {
	path := b.responsePath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Response{}, false, nil
		}
		return types.Response{}, false, fmt.Errorf("reading response slot: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.Response{}, false, fmt.Errorf("clearing response slot: %w", err)
	}

	var resp types.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Response{}, false, fmt.Errorf("undecodable response for session %s: %w", sessionID, err)
	}
	logging.Mailbox("response consumed for session %s", sessionID)
	return resp, true, nil
}

// Cancel removes the session's pending request, if present.
func (b *FileBroker) Cancel(sessionID string) error {
	err := os.Remove(b.requestPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("withdrawing request: %w", err)
	}
	if err == nil {
		logging.Mailbox("request withdrawn for session %s", sessionID)
	}
	return nil
}

// MarkProcessing creates the session's work marker.
func (b *FileBroker) MarkProcessing(sessionID string) error {
	return writeSlot(b.markerPath(sessionID), []byte(time.Now().Format(time.RFC3339)+"\n"))
}

// Processing reports whether the work marker exists.
func (b *FileBroker) Processing(sessionID string) bool {
	_, err := os.Stat(b.markerPath(sessionID))
	return err == nil
}

// ClearProcessing removes the work marker.
func (b *FileBroker) ClearProcessing(sessionID string) error {
	err := os.Remove(b.markerPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing work marker: %w", err)
	}
	return nil
}

// Sweep clears slot files whose session is not in activeIDs, including
// abandoned temp files. Crash leftovers from dead sessions must not be
// mistaken for live exchanges.
func (b *FileBroker) Sweep(activeIDs []string) (int, error) {
	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("reading mailbox directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sessionID, ok := slotSession(entry.Name())
		if !ok || active[sessionID] {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, entry.Name())); err != nil {
			if !os.IsNotExist(err) {
				logging.Mailbox("sweep cannot remove %s: %v", entry.Name(), err)
			}
			continue
		}
		logging.Mailbox("sweep removed stale %s", entry.Name())
		removed++
	}
	return removed, nil
}

// slotSession extracts the owning session id from a slot file name. Temp
// leftovers from interrupted writes count as slots of their session.
func slotSession(name string) (string, bool) {
	name = strings.TrimSuffix(name, tmpSuffix)
	switch {
	case strings.HasPrefix(name, requestPrefix) && strings.HasSuffix(name, slotSuffix):
		return strings.TrimSuffix(strings.TrimPrefix(name, requestPrefix), slotSuffix), true
	case strings.HasPrefix(name, responsePrefix) && strings.HasSuffix(name, slotSuffix):
		return strings.TrimSuffix(strings.TrimPrefix(name, responsePrefix), slotSuffix), true
	case strings.HasPrefix(name, markerPrefix) && strings.HasSuffix(name, markerSuffix):
		return strings.TrimSuffix(strings.TrimPrefix(name, markerPrefix), markerSuffix), true
	}
	return "", false
}

// writeSlot stages data in a temp file then renames it into place.
func writeSlot(path string, data []byte) error {
	tmpPath := path + tmpSuffix
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
