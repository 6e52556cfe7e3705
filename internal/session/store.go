// Package session persists observer session records in a small JSON index.
//
// The index is the only piece of state shared between the interactive client
// and the observer agent processes, so every update is a read-modify-write of
// the whole document followed by an atomic rename. A corrupt or unreadable
// index degrades to "no history": listing returns nothing, creation rewrites
// the index from scratch.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// IndexFileName is the name of the session index inside the sessions dir.
const IndexFileName = "session_index.json"

// indexVersion is bumped when the on-disk index schema changes.
const indexVersion = 1

// protectedPrefixes are system locations a project root may never live under.
var protectedPrefixes = []string{
	"/bin", "/boot", "/dev", "/etc", "/lib", "/lib64",
	"/proc", "/sbin", "/sys", "/usr", "/var",
	"/System", "/Windows",
}

type index struct {
	Version  int             `json:"version"`
	Sessions []types.Session `json:"sessions"`
}

// Store manages the durable session index under a sessions directory.
type Store struct {
	mu  sync.Mutex
	dir string

	// now is a seam for tests; defaults to time.Now.
	now func() time.Time
}

// NewStore opens (creating if needed) the sessions directory and returns a
// store over its index file.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the sessions directory the store operates on.
func (s *Store) Dir() string { return s.dir }

// IndexPath returns the absolute path of the session index file.
func (s *Store) IndexPath() string { return filepath.Join(s.dir, IndexFileName) }

// Create registers a new session for the given project root. The root must
// exist, be a readable directory, and not sit under a protected system path
// or a trash location; violations return types.ErrInvalidRoot.
func (s *Store) Create(root string) (types.Session, error) {
	abs, err := validateRoot(root)
	if err != nil {
		return types.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	now := s.now().Truncate(time.Second)

	id := now.Format(types.SessionIDLayout)
	for indexHas(idx, id) {
		id = fmt.Sprintf("%s_%s", now.Format(types.SessionIDLayout), uuid.NewString()[:6])
	}

	sess := types.Session{
		ID:             id,
		ProjectRoot:    abs,
		CreatedAt:      now,
		LastAccessedAt: now,
		Status:         types.StatusActive,
	}
	idx.Sessions = append(idx.Sessions, sess)

	if err := s.writeIndex(idx); err != nil {
		return types.Session{}, err
	}
	logging.Session("created session %s for %s", sess.ID, sess.ProjectRoot)
	return sess, nil
}

// ListRecent returns up to n sessions ordered newest first by last access.
// n <= 0 means all. A missing or corrupt index yields an empty list.
func (s *Store) ListRecent(n int) ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	out := make([]types.Session, len(idx.Sessions))
	copy(out, idx.Sessions)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessedAt.Equal(out[j].LastAccessedAt) {
			return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
		}
		return out[i].ID > out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Get returns the session with the given id without touching timestamps.
func (s *Store) Get(id string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	for _, sess := range idx.Sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	return types.Session{}, fmt.Errorf("session %q: %w", id, types.ErrSessionNotFound)
}

// Resume bumps the session's last-accessed time and marks it active. An
// already-active session keeps its status. Unknown ids return
// types.ErrSessionNotFound.
func (s *Store) Resume(id string) (types.Session, error) {
	var resumed types.Session
	err := s.update(id, func(sess *types.Session) {
		sess.LastAccessedAt = s.now().Truncate(time.Second)
		if sess.Status != types.StatusActive {
			sess.Status = types.StatusActive
		}
		resumed = *sess
	})
	if err != nil {
		return types.Session{}, err
	}
	logging.Session("resumed session %s", id)
	return resumed, nil
}

// UpdateAccess refreshes the session's last-accessed time. Idempotent: a
// re-attaching client may call it any number of times.
func (s *Store) UpdateAccess(id string) error {
	return s.update(id, func(sess *types.Session) {
		sess.LastAccessedAt = s.now().Truncate(time.Second)
	})
}

// MarkIdle records that no client is attached to the session.
func (s *Store) MarkIdle(id string) error {
	return s.update(id, func(sess *types.Session) {
		if sess.Status == types.StatusActive {
			sess.Status = types.StatusIdle
		}
	})
}

// Close terminates the session. Closed is a terminal status.
func (s *Store) Close(id string) error {
	err := s.update(id, func(sess *types.Session) {
		sess.Status = types.StatusClosed
		sess.LastAccessedAt = s.now().Truncate(time.Second)
	})
	if err != nil {
		return err
	}
	logging.Session("closed session %s", id)
	return nil
}

// Active returns the sessions currently marked active. The mailbox staleness
// sweep uses this to tell live slots from orphans.
func (s *Store) Active() ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	var out []types.Session
	for _, sess := range idx.Sessions {
		if sess.Status == types.StatusActive {
			out = append(out, sess)
		}
	}
	return out, nil
}

// update applies fn to the named session under the store lock and persists
// the result.
func (s *Store) update(id string, fn func(*types.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.loadIndex()
	for i := range idx.Sessions {
		if idx.Sessions[i].ID == id {
			fn(&idx.Sessions[i])
			return s.writeIndex(idx)
		}
	}
	return fmt.Errorf("session %q: %w", id, types.ErrSessionNotFound)
}

// loadIndex reads the index file. Missing, unreadable, or corrupt indexes
// all come back empty so callers keep working without history.
func (s *Store) loadIndex() index {
	data, err := os.ReadFile(s.IndexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Session("index unreadable, starting empty: %v", err)
		}
		return index{Version: indexVersion}
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		logging.Session("index corrupt, starting empty: %v", err)
		return index{Version: indexVersion}
	}
	if idx.Version == 0 {
		idx.Version = indexVersion
	}
	return idx
}

// writeIndex persists the index atomically (write temp, rename over).
func (s *Store) writeIndex(idx index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session index: %w", err)
	}

	path := s.IndexPath()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing session index: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing session index: %w", err)
	}
	return nil
}

func indexHas(idx index, id string) bool {
	for _, sess := range idx.Sessions {
		if sess.ID == id {
			return true
		}
	}
	return false
}

// validateRoot resolves root to an absolute path and rejects locations that
// make no sense as a project: unreadable paths, non-directories, protected
// system trees, and trash folders.
func validateRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("empty project root: %w", types.ErrInvalidRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving project root %q: %w", root, types.ErrInvalidRoot)
	}
	abs = filepath.Clean(abs)

	if abs == string(filepath.Separator) {
		return "", fmt.Errorf("project root %q is the filesystem root: %w", abs, types.ErrInvalidRoot)
	}
	for _, prefix := range protectedPrefixes {
		if abs == prefix || strings.HasPrefix(abs, prefix+string(filepath.Separator)) {
			return "", fmt.Errorf("project root %q is under protected path %s: %w", abs, prefix, types.ErrInvalidRoot)
		}
	}
	if isTrashPath(abs) {
		return "", fmt.Errorf("project root %q is a trash location: %w", abs, types.ErrInvalidRoot)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root %q unreadable: %w", abs, types.ErrInvalidRoot)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %q is not a directory: %w", abs, types.ErrInvalidRoot)
	}
	if _, err := os.ReadDir(abs); err != nil {
		return "", fmt.Errorf("project root %q unreadable: %w", abs, types.ErrInvalidRoot)
	}
	return abs, nil
}

// isTrashPath reports whether any path element names a trash or recycle
// folder (macOS .Trash, XDG Trash, Windows $Recycle.Bin).
func isTrashPath(abs string) bool {
	for _, elem := range strings.Split(abs, string(filepath.Separator)) {
		lower := strings.ToLower(elem)
		if lower == "trash" || lower == "$recycle.bin" || strings.HasPrefix(lower, ".trash") {
			return true
		}
	}
	return false
}
