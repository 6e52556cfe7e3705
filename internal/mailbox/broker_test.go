package mailbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/types"
)

func newTestBroker(t *testing.T) *FileBroker {
	t.Helper()
	broker, err := NewFileBroker(t.TempDir(), 10*time.Millisecond)
	require.NoError(t, err)
	return broker
}

const testSession = "20260314_093000"

func TestBroker_EnqueueConsume(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Enqueue(testSession, "explain the session store"))

	// The request slot holds the raw query text.
	raw, err := os.ReadFile(b.requestPath(testSession))
	require.NoError(t, err)
	assert.Equal(t, "explain the session store", string(raw))

	req, ok, err := b.Consume(testSession)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testSession, req.SessionID)
	assert.Equal(t, "explain the session store", req.Query)
	assert.WithinDuration(t, time.Now(), req.SubmittedAt, time.Minute)

	// Read-then-delete: the slot is gone after a successful consume.
	_, err = os.Stat(b.requestPath(testSession))
	assert.True(t, os.IsNotExist(err))

	_, ok, err = b.Consume(testSession)
	require.NoError(t, err)
	assert.False(t, ok, "a consumed request is delivered at most once")
}

func TestBroker_SecondEnqueueIsInFlight(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Enqueue(testSession, "first"))
	err := b.Enqueue(testSession, "second")
	assert.ErrorIs(t, err, types.ErrRequestInFlight)

	// The original request is untouched.
	req, ok, consumeErr := b.Consume(testSession)
	require.NoError(t, consumeErr)
	require.True(t, ok)
	assert.Equal(t, "first", req.Query)

	// Once consumed, the session accepts a new request.
	assert.NoError(t, b.Enqueue(testSession, "second"))
}

func TestBroker_SessionsAreIndependent(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Enqueue("20260314_090000", "alpha"))
	require.NoError(t, b.Enqueue("20260314_091000", "beta"))

	req, ok, err := b.Consume("20260314_091000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "beta", req.Query)

	req, ok, err = b.Consume("20260314_090000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", req.Query)
}

func TestBroker_RespondAwait(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Respond(types.Response{
		SessionID: testSession,
		Answer:    "the store keeps a JSON index",
	}))

	resp, err := b.Await(context.Background(), testSession, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "the store keeps a JSON index", resp.Answer)
	assert.False(t, resp.IsError())
	assert.False(t, resp.AnsweredAt.IsZero())

	// Read-then-delete applies to responses too.
	_, err = os.Stat(b.responsePath(testSession))
	assert.True(t, os.IsNotExist(err))
}

func TestBroker_AwaitPicksUpLateResponse(t *testing.T) {
	b := newTestBroker(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.Respond(types.Response{SessionID: testSession, Answer: "late but present"})
	}()

	resp, err := b.Await(context.Background(), testSession, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late but present", resp.Answer)
}

func TestBroker_AwaitErrorResponse(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Respond(types.Response{
		SessionID: testSession,
		Err:       "model backend generate failed (permanent): auth",
	}))

	resp, err := b.Await(context.Background(), testSession, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Err, "auth")
}

func TestBroker_AwaitTimeoutWithdrawsRequest(t *testing.T) {
	b := newTestBroker(t)

	// Stalled agent: the request is enqueued but never consumed.
	require.NoError(t, b.Enqueue(testSession, "explain auth.py"))

	_, err := b.Await(context.Background(), testSession, 50*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrResponseTimeout)

	_, statErr := os.Stat(b.requestPath(testSession))
	assert.True(t, os.IsNotExist(statErr),
		"timed-out request must not keep the slot occupied")
}

func TestBroker_AwaitHonorsContext(t *testing.T) {
	b := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := b.Await(ctx, testSession, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroker_ConsumeBeforeRespondOrdering(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Enqueue(testSession, "what changed today"))

	// Drive a minimal agent turn by hand and observe the slots between
	// steps: the request slot must be empty before the response appears.
	req, ok, err := b.Consume(testSession)
	require.NoError(t, err)
	require.True(t, ok)

	_, statErr := os.Stat(b.requestPath(testSession))
	require.True(t, os.IsNotExist(statErr), "request slot cleared before response exists")
	_, statErr = os.Stat(b.responsePath(testSession))
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, b.Respond(types.Response{SessionID: req.SessionID, Answer: "nothing"}))
	_, statErr = os.Stat(b.responsePath(testSession))
	assert.NoError(t, statErr)
}

func TestBroker_ProcessingMarker(t *testing.T) {
	b := newTestBroker(t)

	assert.False(t, b.Processing(testSession))
	require.NoError(t, b.MarkProcessing(testSession))
	assert.True(t, b.Processing(testSession))

	// Responding clears the marker.
	require.NoError(t, b.Respond(types.Response{SessionID: testSession, Answer: "done"}))
	assert.False(t, b.Processing(testSession))

	// Clearing an absent marker is not an error.
	assert.NoError(t, b.ClearProcessing(testSession))
}

func TestBroker_Sweep(t *testing.T) {
	b := newTestBroker(t)

	live := "20260314_100000"
	dead := "20260313_090000"

	require.NoError(t, b.Enqueue(live, "keep me"))
	require.NoError(t, b.Enqueue(dead, "orphaned request"))
	require.NoError(t, b.Respond(types.Response{SessionID: dead, Answer: "orphaned response"}))
	require.NoError(t, b.MarkProcessing(dead))
	// Abandoned temp file from an interrupted write.
	require.NoError(t, os.WriteFile(b.requestPath(dead)+tmpSuffix, []byte("partial"), 0o644))

	removed, err := b.Sweep([]string{live})
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	// Live session slots survive.
	req, ok, err := b.Consume(live)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "keep me", req.Query)

	// Dead session slots are gone.
	_, ok, err = b.Consume(dead)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.Processing(dead))
}

func TestBroker_SweepIgnoresForeignFiles(t *testing.T) {
	b := newTestBroker(t)

	foreign := b.Dir() + "/session_index.json"
	require.NoError(t, os.WriteFile(foreign, []byte("{}"), 0o644))

	removed, err := b.Sweep(nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
	_, statErr := os.Stat(foreign)
	assert.NoError(t, statErr, "sweep only touches slot files")
}

func TestBroker_CancelAbsentRequest(t *testing.T) {
	b := newTestBroker(t)
	assert.NoError(t, b.Cancel(testSession), "cancel is idempotent")
}
