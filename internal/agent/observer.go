// Package agent runs the observer: the background process that answers
// questions about a project. It polls the mailbox for a request, builds (or
// reuses) the session's context artifact, ships it to the model backend, and
// writes the answer back. The loop is a plain state machine: every request
// walks Idle, RequestSeen, Building, Calling, Responding, and back to Idle,
// and a restart always begins at Idle because no position is persisted.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"lookout/internal/changelog"
	"lookout/internal/conversation"
	internalcontext "lookout/internal/context"
	"lookout/internal/logging"
	"lookout/internal/mailbox"
	"lookout/internal/perception"
	"lookout/internal/session"
	"lookout/internal/types"
)

// State is the observer's position in the request-handling cycle. It exists
// for logs and tests; nothing persists it.
type State string

const (
	StateIdle        State = "idle"
	StateRequestSeen State = "request_seen"
	StateBuilding    State = "building"
	StateCalling     State = "calling"
	StateResponding  State = "responding"
)

const (
	// maxConversationExchanges bounds how much history enters the prompt.
	maxConversationExchanges = 5
	// maxChangeEntries bounds how many change log lines enter the prompt.
	maxChangeEntries = 10
	// defaultLogTailBytes bounds the session-log tail in the prompt.
	defaultLogTailBytes = 4096
	// cleanupTimeout bounds remote artifact deletion after a call.
	cleanupTimeout = 30 * time.Second
)

// Config carries the observer's knobs. Durations are real durations here;
// the CLI layer parses them from the config file.
type Config struct {
	SessionsDir  string
	PollInterval time.Duration
	MaxRetries   int
	// RetryBaseWait is the first backoff step (doubles per attempt).
	// Zero means one second; tests shrink it.
	RetryBaseWait time.Duration
	SmartEnabled  bool
	BudgetBytes   int
	Exclusions    []string
	LogTailBytes  int
}

// Deps are the collaborators the observer drives. Changes may be nil when no
// change log is available; everything else is required.
type Deps struct {
	Sessions *session.Store
	Broker   mailbox.Broker
	Backend  perception.ModelBackend
	Builder  *internalcontext.Builder
	History  *conversation.History
	Changes  changelog.Store
}

// Observer is the background half of the pipeline.
type Observer struct {
	cfg  Config
	deps Deps

	state State
	// logOffsets remembers how far each session's transcript log was read,
	// so each prompt carries only growth.
	logOffsets map[string]int64
}

// New creates an observer. It does not start polling; call Run.
func New(cfg Config, deps Deps) *Observer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = time.Second
	}
	if cfg.LogTailBytes <= 0 {
		cfg.LogTailBytes = defaultLogTailBytes
	}

	return &Observer{
		cfg:        cfg,
		deps:       deps,
		state:      StateIdle,
		logOffsets: make(map[string]int64),
	}
}

// State returns the observer's current position in the cycle.
func (o *Observer) State() State { return o.state }

// Run attaches to the session and polls its request slot until ctx is done.
// The session is marked closed on the way out: observer exit is an explicit
// lifecycle event, not a crash.
func (o *Observer) Run(ctx context.Context, sessionID string) error {
	sess, err := o.deps.Sessions.Resume(sessionID)
	if err != nil {
		return fmt.Errorf("cannot attach observer: %w", err)
	}

	o.sweep()

	logging.Agent("observer attached: session=%s root=%s poll=%v", sess.ID, sess.ProjectRoot, o.cfg.PollInterval)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Agent("observer stopping: session=%s", sess.ID)
			if err := o.deps.Sessions.Close(sess.ID); err != nil {
				logging.Get(logging.CategoryAgent).Warn("could not close session %s: %v", sess.ID, err)
			}
			return ctx.Err()
		case <-ticker.C:
			o.poll(ctx, sess)
		}
	}
}

// sweep clears slot files that belong to no active session. Stale state is
// recovered silently; a failed sweep only costs disk bytes.
func (o *Observer) sweep() {
	active, err := o.deps.Sessions.Active()
	if err != nil {
		logging.Get(logging.CategoryAgent).Warn("sweep skipped: %v", err)
		return
	}
	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	if n, err := o.deps.Broker.Sweep(ids); err != nil {
		logging.Get(logging.CategoryAgent).Warn("sweep failed: %v", err)
	} else if n > 0 {
		logging.Agent("sweep removed %d stale slot file(s)", n)
	}
}

// poll runs one cycle of the state machine: consume a request if present,
// produce a terminal response, return to Idle.
func (o *Observer) poll(ctx context.Context, sess types.Session) {
	req, ok, err := o.deps.Broker.Consume(sess.ID)
	if err != nil {
		logging.Get(logging.CategoryAgent).Warn("consume failed: %v", err)
		return
	}
	if !ok {
		return
	}

	o.transition(StateRequestSeen)
	logging.Agent("request consumed: session=%s query_len=%d", sess.ID, len(req.Query))

	o.handle(ctx, sess, req)
	o.transition(StateIdle)
}

// handle turns one consumed request into exactly one response. Failures of
// any kind become a response with the error field set; the client never
// waits on a consumed request.
func (o *Observer) handle(ctx context.Context, sess types.Session, req types.Request) {
	timer := logging.StartTimer(logging.CategoryAgent, "handle request")
	defer timer.Stop()

	if err := o.deps.Broker.MarkProcessing(sess.ID); err != nil {
		logging.Get(logging.CategoryAgent).Warn("could not mark processing: %v", err)
	}

	answer, err := o.answer(ctx, sess, req)

	resp := types.Response{SessionID: sess.ID}
	if err != nil {
		logging.Get(logging.CategoryAgent).Error("request failed: %v", err)
		resp.Err = err.Error()
	} else {
		resp.Answer = answer
	}

	o.transition(StateResponding)
	if err := o.deps.Broker.Respond(resp); err != nil {
		logging.Get(logging.CategoryAgent).Error("could not write response: %v", err)
		return
	}

	if !resp.IsError() {
		if err := o.deps.History.Append(sess, req.Query, answer); err != nil {
			logging.Get(logging.CategoryAgent).Warn("could not record exchange: %v", err)
		}
	}
	if err := o.deps.Sessions.UpdateAccess(sess.ID); err != nil {
		logging.Get(logging.CategoryAgent).Warn("could not bump access: %v", err)
	}
}

// answer builds the context, calls the backend, and returns the answer text.
func (o *Observer) answer(ctx context.Context, sess types.Session, req types.Request) (string, error) {
	o.transition(StateBuilding)
	artifactPath, err := o.ensureArtifact(ctx, sess, req.Query)
	if err != nil {
		return "", err
	}

	o.transition(StateCalling)
	prompt := o.composePrompt(sess, req.Query)

	var handle perception.Handle
	err = o.retryBackend(ctx, "upload", func() error {
		var uerr error
		handle, uerr = o.deps.Backend.Upload(ctx, artifactPath)
		return uerr
	})
	if err != nil {
		return "", err
	}
	defer func() {
		// Remote storage is bounded by deleting after every call; a failed
		// delete is logged, never escalated.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if derr := o.deps.Backend.Delete(cleanupCtx, handle); derr != nil {
			logging.Get(logging.CategoryAgent).Warn("artifact cleanup failed: %v", derr)
		}
	}()

	var text string
	err = o.retryBackend(ctx, "generate", func() error {
		var gerr error
		text, gerr = o.deps.Backend.Generate(ctx, prompt, []perception.Handle{handle})
		return gerr
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// ensureArtifact returns the session's context artifact path, building it if
// needed. Full mode builds once per session and reuses the file; smart mode
// rebuilds per query because the selection depends on the question.
func (o *Observer) ensureArtifact(ctx context.Context, sess types.Session, query string) (string, error) {
	path := sess.ContextPath(o.cfg.SessionsDir)

	buildReq := internalcontext.BuildRequest{
		Root:        sess.ProjectRoot,
		OutputPath:  path,
		Mode:        internalcontext.ModeFull,
		BudgetBytes: o.cfg.BudgetBytes,
		Exclusions:  o.cfg.Exclusions,
		SessionID:   sess.ID,
	}

	if o.cfg.SmartEnabled {
		buildReq.Mode = internalcontext.ModeSmart
		buildReq.Query = query
		buildReq.Changes = o.recentChanges()
	} else if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	artifact, err := o.deps.Builder.Build(ctx, buildReq)
	if err != nil {
		return "", err
	}
	logging.Agent("artifact built: mode=%s size=%d included=%d omitted=%d",
		buildReq.Mode, artifact.SizeBytes, len(artifact.Included), len(artifact.Omitted))
	return path, nil
}

// composePrompt assembles the question with everything the model should see
// around it: the artifact reference, recent exchanges, transcript growth,
// and recent project changes.
func (o *Observer) composePrompt(sess types.Session, query string) string {
	var b strings.Builder

	b.WriteString("The attached file is a snapshot of the project being discussed.\n\n")

	if conv, err := o.deps.History.RecentContext(sess, maxConversationExchanges); err == nil && conv != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(conv)
		b.WriteString("\n")
	}

	if tail := o.readLogTail(sess); tail != "" {
		b.WriteString("Recent session activity:\n")
		b.WriteString(tail)
		if !strings.HasSuffix(tail, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if entries := o.recentChanges(); len(entries) > 0 {
		b.WriteString("Recent project changes:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- [%s] %s %s\n", e.Timestamp.Format(time.RFC3339), e.Kind, e.Detail)
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

// recentChanges reads the last change log entries, tolerating a missing or
// failing store.
func (o *Observer) recentChanges() []types.ChangeEntry {
	if o.deps.Changes == nil {
		return nil
	}
	entries, err := o.deps.Changes.Recent(maxChangeEntries)
	if err != nil {
		logging.Get(logging.CategoryAgent).Warn("change log read failed: %v", err)
		return nil
	}
	return entries
}

// readLogTail returns the unread growth of the session's transcript log,
// bounded by LogTailBytes. The foreground assistant writes that log; absence
// is normal.
func (o *Observer) readLogTail(sess types.Session) string {
	path := sess.LogPath(o.cfg.SessionsDir)
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return ""
	}
	size := stat.Size()

	offset := o.logOffsets[sess.ID]
	if size < offset {
		// Log was truncated or replaced; start over.
		offset = 0
	}
	if size == offset {
		return ""
	}

	start := offset
	if size-start > int64(o.cfg.LogTailBytes) {
		start = size - int64(o.cfg.LogTailBytes)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	o.logOffsets[sess.ID] = size
	return string(data)
}

// retryBackend runs fn until it succeeds, fails permanently, or exhausts the
// retry ceiling. Only transient backend failures are retried; the backoff
// doubles each attempt (1s, 2s, 4s... at the default base).
func (o *Observer) retryBackend(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := o.cfg.RetryBaseWait * time.Duration(1<<uint(attempt-1))
			logging.Agent("%s: transient failure, retry %d/%d in %v", op, attempt, o.cfg.MaxRetries, wait)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s aborted during retry: %w", op, lastErr)
			case <-time.After(wait):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !types.IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("%s retries exhausted: %w", op, lastErr)
}

func (o *Observer) transition(to State) {
	if o.state == to {
		return
	}
	logging.Get(logging.CategoryAgent).Debug("state %s -> %s", o.state, to)
	o.state = to
}
