package conversation

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/types"
)

func testSession() types.Session {
	return types.Session{ID: "20260314_093000", Status: types.StatusActive}
}

func TestHistory_AppendAndRecent(t *testing.T) {
	h := NewHistory(t.TempDir())
	sess := testSession()

	require.NoError(t, h.Append(sess, "what is the store?", "a JSON index"))
	require.NoError(t, h.Append(sess, "where does it live?", "under the sessions dir"))
	require.NoError(t, h.Append(sess, "who writes it?", "the session store"))

	recent, err := h.Recent(sess, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "where does it live?", recent[0].Query, "oldest of the window first")
	assert.Equal(t, "who writes it?", recent[1].Query)

	all, err := h.Recent(sess, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestHistory_RecentContext(t *testing.T) {
	h := NewHistory(t.TempDir())
	sess := testSession()

	require.NoError(t, h.Append(sess, "short?", "yes"))
	require.NoError(t, h.Append(sess, "long?", strings.Repeat("x", 600)))

	text, err := h.RecentContext(sess, 5)
	require.NoError(t, err)

	assert.Contains(t, text, "Q: short?\nA: yes")
	assert.Contains(t, text, strings.Repeat("x", 500)+"...")
	assert.NotContains(t, text, strings.Repeat("x", 501), "answers are excerpted at 500 runes")
}

func TestHistory_RecentContextEmpty(t *testing.T) {
	h := NewHistory(t.TempDir())
	text, err := h.RecentContext(testSession(), 5)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestHistory_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(dir)
	sess := testSession()

	require.NoError(t, os.WriteFile(sess.ConversationPath(dir), []byte("{broken"), 0o644))

	recent, err := h.Recent(sess, 0)
	require.NoError(t, err)
	assert.Empty(t, recent)

	// Appending over a corrupt file repairs it.
	require.NoError(t, h.Append(sess, "still works?", "yes"))
	recent, err = h.Recent(sess, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "still works?", recent[0].Query)
}

func TestHistory_SessionsAreIsolated(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(dir)
	a := types.Session{ID: "20260314_090000"}
	b := types.Session{ID: "20260314_091000"}

	require.NoError(t, h.Append(a, "about a", "answer a"))
	require.NoError(t, h.Append(b, "about b", "answer b"))

	recentA, err := h.Recent(a, 0)
	require.NoError(t, err)
	require.Len(t, recentA, 1)
	assert.Equal(t, "about a", recentA[0].Query)

	recentB, err := h.Recent(b, 0)
	require.NoError(t, err)
	require.Len(t, recentB, 1)
	assert.Equal(t, "about b", recentB[0].Query)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("short"))

	long := strings.Repeat("é", 700) // multibyte: truncation must respect runes
	got := excerpt(long)
	assert.Equal(t, strings.Repeat("é", 500)+"...", got)
}

func TestHistory_AppendStampsTime(t *testing.T) {
	h := NewHistory(t.TempDir())
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }
	sess := testSession()

	require.NoError(t, h.Append(sess, "q", "a"))
	recent, err := h.Recent(sess, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].At.Equal(fixed))
}
