package context

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lookout/internal/logging"
)

// builtinExclusions are always skipped regardless of configuration. They
// cover VCS metadata, dependency trees, and generated output that would
// bloat an artifact without informing the model.
var builtinExclusions = []string{
	".git", ".hg", ".svn",
	"node_modules", "__pycache__", ".venv", "venv",
	"vendor", "dist", "build", ".tox", ".pytest_cache",
	".lookout",
}

// candidate is one file eligible for inclusion in a context artifact.
type candidate struct {
	rel     string
	abs     string
	size    int64
	modTime time.Time
}

// listCandidates enumerates the project's candidate files in deterministic
// order: version-control listing order when the root is a git work tree,
// otherwise a sorted extension-filtered walk.
func listCandidates(ctx context.Context, root string, exclusions []string) ([]candidate, error) {
	var rels []string
	if isGitWorkTree(ctx, root) {
		tracked, err := gitTrackedFiles(ctx, root)
		if err != nil {
			logging.Context("git listing failed, falling back to walk: %v", err)
		} else {
			rels = tracked
		}
	}
	if rels == nil {
		walked, err := walkTextFiles(root)
		if err != nil {
			return nil, err
		}
		rels = walked
	}

	all := append([]string(nil), builtinExclusions...)
	all = append(all, exclusions...)

	out := make([]candidate, 0, len(rels))
	for _, rel := range rels {
		if excluded(rel, all) {
			continue
		}
		abs := filepath.Join(root, rel)
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue // listed but vanished or not a regular file
		}
		out = append(out, candidate{
			rel:     filepath.ToSlash(rel),
			abs:     abs,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

// isGitWorkTree reports whether root sits inside a git work tree.
func isGitWorkTree(ctx context.Context, root string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = root
	return cmd.Run() == nil
}

// gitTrackedFiles returns the tracked paths in git's own listing order.
func gitTrackedFiles(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var rels []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			rels = append(rels, line)
		}
	}
	return rels, scanner.Err()
}

// walkTextFiles lists text-like files under root, sorted for determinism.
// Hidden directories are skipped wholesale.
func walkTextFiles(root string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !HasTextExtension(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}

// excluded reports whether any element of rel matches an exclusion pattern.
// Glob patterns match the base name; plain patterns match path elements.
func excluded(rel string, patterns []string) bool {
	elems := strings.Split(filepath.ToSlash(rel), "/")
	base := elems[len(elems)-1]
	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[") {
			if ok, _ := filepath.Match(pattern, base); ok {
				return true
			}
			continue
		}
		for _, elem := range elems {
			if elem == pattern {
				return true
			}
		}
	}
	return false
}
