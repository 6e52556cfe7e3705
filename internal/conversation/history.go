// Package conversation persists the question/answer exchanges of a session
// so follow-up queries can reference earlier answers.
package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// answerExcerptRunes bounds how much of each stored answer is quoted back
// into a prompt. Stored exchanges keep the full text.
const answerExcerptRunes = 500

// Exchange is one completed question/answer pair.
type Exchange struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	At     time.Time `json:"at"`
}

type document struct {
	SessionID   string     `json:"session_id"`
	LastUpdated time.Time  `json:"last_updated"`
	Exchanges   []Exchange `json:"exchanges"`
}

// History reads and writes per-session conversation files under the
// sessions directory.
type History struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewHistory returns a history over the given sessions directory.
func NewHistory(sessionsDir string) *History {
	return &History{dir: sessionsDir, now: time.Now}
}

// Append records one exchange. The file is created on first use.
func (h *History) Append(sess types.Session, query, answer string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc := h.load(sess)
	doc.SessionID = sess.ID
	doc.LastUpdated = h.now()
	doc.Exchanges = append(doc.Exchanges, Exchange{
		Query:  query,
		Answer: answer,
		At:     h.now(),
	})
	return h.write(sess, doc)
}

// Recent returns the last n exchanges, oldest first. n <= 0 means all.
func (h *History) Recent(sess types.Session, n int) ([]Exchange, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc := h.load(sess)
	ex := doc.Exchanges
	if n > 0 && len(ex) > n {
		ex = ex[len(ex)-n:]
	}
	out := make([]Exchange, len(ex))
	copy(out, ex)
	return out, nil
}

// RecentContext renders the last n exchanges as a prompt section. Long
// answers are excerpted. An empty history renders as "".
func (h *History) RecentContext(sess types.Session, n int) (string, error) {
	exchanges, err := h.Recent(sess, n)
	if err != nil || len(exchanges) == 0 {
		return "", err
	}

	var sb strings.Builder
	for _, ex := range exchanges {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n\n", ex.Query, excerpt(ex.Answer))
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", nil
}

// excerpt truncates long answers at a rune boundary.
func excerpt(answer string) string {
	runes := []rune(answer)
	if len(runes) <= answerExcerptRunes {
		return answer
	}
	return string(runes[:answerExcerptRunes]) + "..."
}

// load reads the session's conversation file. Missing or corrupt files come
// back empty; history is a convenience, never a failure.
func (h *History) load(sess types.Session) document {
	data, err := os.ReadFile(sess.ConversationPath(h.dir))
	if err != nil {
		return document{}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.Session("conversation file for %s corrupt, starting empty: %v", sess.ID, err)
		return document{}
	}
	return doc
}

func (h *History) write(sess types.Session, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling conversation: %w", err)
	}
	path := sess.ConversationPath(h.dir)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing conversation: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing conversation: %w", err)
	}
	return nil
}
