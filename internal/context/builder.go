// Package context builds the project snapshot artifacts the observer agent
// attaches to model calls.
//
// A build enumerates candidate files (git listing order when the root is a
// work tree, sorted extension walk otherwise), filters them through the text
// predicate, and appends whole files until the byte budget is spent. A file
// that would overflow the budget is skipped with an omission marker, never
// truncated. Output is deterministic for a fixed tree, mode, budget, and
// clock.
package context

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lookout/internal/logging"
	"lookout/internal/types"
)

// Mode selects the file-selection strategy for one build.
type Mode string

const (
	// ModeFull snapshots every candidate file in listing order.
	ModeFull Mode = "full"
	// ModeSmart selects files by relevance to the pending query.
	ModeSmart Mode = "smart"
)

// BuildRequest carries the inputs of one artifact build.
type BuildRequest struct {
	Root        string
	OutputPath  string
	Mode        Mode
	BudgetBytes int
	Exclusions  []string
	SessionID   string

	// Query and Changes steer ModeSmart; ModeFull ignores them.
	Query   string
	Changes []types.ChangeEntry
}

// Builder assembles context artifacts. The zero clock is time.Now; tests
// inject a fixed one to get byte-identical output.
type Builder struct {
	policy ScorePolicy
	now    func() time.Time
}

// NewBuilder returns a builder using the given scoring policy.
func NewBuilder(policy ScorePolicy) *Builder {
	return &Builder{policy: policy, now: time.Now}
}

// Build writes the artifact for req to req.OutputPath and returns its
// metadata. Zero eligible files yield types.ErrEmptyProject and no artifact
// file.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (types.Artifact, error) {
	timer := logging.StartTimer(logging.CategoryContext, fmt.Sprintf("build %s", req.Mode))
	defer timer.Stop()

	if req.Root == "" {
		return types.Artifact{}, fmt.Errorf("project root not set: %w", types.ErrInvalidRoot)
	}
	if req.OutputPath == "" {
		return types.Artifact{}, fmt.Errorf("artifact output path not set")
	}
	if req.BudgetBytes <= 0 {
		return types.Artifact{}, fmt.Errorf("byte budget must be positive, got %d", req.BudgetBytes)
	}

	cands, err := listCandidates(ctx, req.Root, req.Exclusions)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("listing project files: %w", err)
	}
	if len(cands) == 0 {
		return types.Artifact{}, fmt.Errorf("no eligible files under %s: %w", req.Root, types.ErrEmptyProject)
	}

	budget := req.BudgetBytes
	if req.Mode == ModeSmart {
		budget = b.policy.budgetFor(ClassifyIntent(req.Query), budget)
		cands = b.policy.selectSmart(cands, req.Query, req.Changes, b.now())
	}

	now := b.now()
	var sb strings.Builder
	writeHeader(&sb, req, now)

	var (
		included     []string
		omitted      []string
		omissions    []string
		used         int
		textFiles    int
		placeholders int
	)
	for _, c := range cands {
		data, err := os.ReadFile(c.abs)
		if err != nil {
			logging.Context("unreadable file %s: %v", c.rel, err)
			fmt.Fprintf(&sb, "--- START FILE: %s ---\n[Could not read file: %s]\n--- END FILE: %s ---\n", c.rel, c.rel, c.rel)
			omitted = append(omitted, c.rel)
			placeholders++
			continue
		}
		if !IsTextContent(data) {
			omitted = append(omitted, c.rel)
			omissions = append(omissions, fmt.Sprintf("--- OMITTED (not text): %s ---", c.rel))
			continue
		}
		textFiles++
		if used+len(data) > budget {
			omitted = append(omitted, c.rel)
			omissions = append(omissions, fmt.Sprintf("--- OMITTED (budget): %s ---", c.rel))
			continue
		}
		used += len(data)
		fmt.Fprintf(&sb, "--- START FILE: %s ---\n%s\n--- END FILE: %s ---\n", c.rel, data, c.rel)
		included = append(included, c.rel)
	}

	// Every candidate failed the text check: nothing a model could use.
	if textFiles == 0 && placeholders == 0 {
		return types.Artifact{}, fmt.Errorf("no text files under %s: %w", req.Root, types.ErrEmptyProject)
	}

	for _, line := range omissions {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	content := sb.String()
	if err := writeAtomic(req.OutputPath, []byte(content)); err != nil {
		return types.Artifact{}, err
	}

	logging.Context("built %s artifact for %s: %d files in, %d out, %d content bytes",
		req.Mode, req.SessionID, len(included), len(omitted), used)

	return types.Artifact{
		SessionID:   req.SessionID,
		ProjectRoot: req.Root,
		Path:        req.OutputPath,
		GeneratedAt: now,
		SizeBytes:   len(content),
		Included:    included,
		Omitted:     omitted,
	}, nil
}

// writeHeader emits the identifying block at the top of every artifact.
func writeHeader(sb *strings.Builder, req BuildRequest, now time.Time) {
	fmt.Fprintf(sb, "=== PROJECT CONTEXT ===\n")
	fmt.Fprintf(sb, "Project: %s\n", filepath.Base(req.Root))
	fmt.Fprintf(sb, "Generated: %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(sb, "Root: %s\n", req.Root)
	fmt.Fprintf(sb, "Mode: %s\n", req.Mode)
	fmt.Fprintf(sb, "=======================\n\n")
}

// writeAtomic writes data via a temp file and rename so a concurrent reader
// never observes a partial artifact.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing artifact: %w", err)
	}
	return nil
}
