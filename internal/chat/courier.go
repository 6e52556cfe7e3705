// Package chat is the foreground half of the pipeline: the loop the user
// types into. The Courier carries queries to the mailbox and waits for the
// observer's answer; the bubbletea model in this package renders it. Keeping
// the Courier UI-free keeps the exchange logic unit-testable.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lookout/internal/logging"
	"lookout/internal/mailbox"
	"lookout/internal/session"
	"lookout/internal/types"
)

// InputKind classifies one line of user input.
type InputKind int

const (
	// InputQuery is a question for the observer.
	InputQuery InputKind = iota
	// InputEmpty is ignored.
	InputEmpty
	// InputExit terminates the loop.
	InputExit
	// InputClear resets the visible transcript.
	InputClear
	// InputHelp prints local usage help.
	InputHelp
)

// Classify maps a raw input line to its kind. Commands are matched whole,
// case-insensitively, with or without a leading slash; anything else is a
// query, trimmed.
func Classify(raw string) (InputKind, string) {
	q := strings.TrimSpace(raw)
	if q == "" {
		return InputEmpty, ""
	}
	switch strings.ToLower(strings.TrimPrefix(q, "/")) {
	case "exit", "quit":
		return InputExit, ""
	case "clear":
		return InputClear, ""
	case "help":
		return InputHelp, ""
	}
	return InputQuery, q
}

// Courier drives one session's request/response exchange against the
// mailbox. One Courier per attached client; the session's strictly
// sequential ordering means Ask is never called concurrently.
type Courier struct {
	sessions *session.Store
	broker   mailbox.Broker
	sess     types.Session
	timeout  time.Duration
}

// NewCourier attaches to sess. timeout bounds each Ask's wait for a
// response; zero means 120 seconds.
func NewCourier(sessions *session.Store, broker mailbox.Broker, sess types.Session, timeout time.Duration) *Courier {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Courier{sessions: sessions, broker: broker, sess: sess, timeout: timeout}
}

// Session returns the session this courier is attached to.
func (c *Courier) Session() types.Session { return c.sess }

// Sweep clears slot files that belong to no active session. Run once at
// client startup.
func (c *Courier) Sweep() {
	active, err := c.sessions.Active()
	if err != nil {
		logging.Get(logging.CategorySession).Warn("sweep skipped: %v", err)
		return
	}
	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	if n, err := c.broker.Sweep(ids); err != nil {
		logging.Get(logging.CategorySession).Warn("sweep failed: %v", err)
	} else if n > 0 {
		logging.Session("sweep removed %d stale slot file(s)", n)
	}
}

// Ask enqueues the query and blocks until a response arrives, the timeout
// expires, or ctx is done. On timeout or cancellation the pending request is
// withdrawn best-effort; the observer may already have consumed it, in which
// case its orphaned response falls to the next startup sweep.
func (c *Courier) Ask(ctx context.Context, query string) (types.Response, error) {
	if err := c.broker.Enqueue(c.sess.ID, query); err != nil {
		return types.Response{}, err
	}
	if err := c.sessions.UpdateAccess(c.sess.ID); err != nil {
		logging.Get(logging.CategorySession).Warn("could not bump access: %v", err)
	}

	resp, err := c.broker.Await(ctx, c.sess.ID, c.timeout)
	if err != nil {
		if cerr := c.broker.Cancel(c.sess.ID); cerr != nil {
			logging.Get(logging.CategorySession).Warn("could not withdraw request: %v", cerr)
		}
		return types.Response{}, err
	}
	return resp, nil
}

// Thinking reports whether the observer has picked up the in-flight request
// (the processing marker exists). Before pickup the request is merely
// waiting in the slot.
func (c *Courier) Thinking() bool {
	return c.broker.Processing(c.sess.ID)
}

// Close detaches the client: any outstanding request is withdrawn
// best-effort and the session is marked idle. The session stays resumable;
// only observer exit or explicit termination closes it.
func (c *Courier) Close() error {
	if err := c.broker.Cancel(c.sess.ID); err != nil {
		logging.Get(logging.CategorySession).Warn("could not withdraw request on exit: %v", err)
	}
	if err := c.sessions.MarkIdle(c.sess.ID); err != nil {
		return fmt.Errorf("detaching from session: %w", err)
	}
	return nil
}
