package context

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"lookout/internal/types"
)

// QueryIntent classifies what kind of help a query asks for. The intent
// steers both the per-query byte budget and file affinity bonuses.
type QueryIntent string

const (
	IntentDebug    QueryIntent = "debug"
	IntentFeature  QueryIntent = "feature"
	IntentExplain  QueryIntent = "explain"
	IntentRefactor QueryIntent = "refactor"
	IntentTest     QueryIntent = "test"
	IntentConfig   QueryIntent = "config"
	IntentGeneral  QueryIntent = "general"
)

// intentOrder fixes the match priority so classification is deterministic
// when a query matches several patterns ("fix the failing test" is a debug
// query, not a test query).
var intentOrder = []QueryIntent{
	IntentDebug,
	IntentRefactor,
	IntentTest,
	IntentConfig,
	IntentFeature,
	IntentExplain,
}

var intentPatterns = map[QueryIntent]*regexp.Regexp{
	IntentDebug:    regexp.MustCompile(`(?i)\b(bug|error|fix|crash|fail|failing|broken|exception|traceback|panic|wrong)\b`),
	IntentRefactor: regexp.MustCompile(`(?i)\b(refactor|clean ?up|rename|restructure|simplify|extract|dedupe)\b`),
	IntentTest:     regexp.MustCompile(`(?i)\b(test|tests|coverage|assert|mock|fixture)\b`),
	IntentConfig:   regexp.MustCompile(`(?i)\b(config|configuration|setting|settings|env|environment|setup|install)\b`),
	IntentFeature:  regexp.MustCompile(`(?i)\b(add|implement|create|new|feature|support|endpoint)\b`),
	IntentExplain:  regexp.MustCompile(`(?i)\b(explain|what|how|why|where|describe|understand|document)\b`),
}

// ClassifyIntent maps a query to its dominant intent.
func ClassifyIntent(query string) QueryIntent {
	for _, intent := range intentOrder {
		if intentPatterns[intent].MatchString(query) {
			return intent
		}
	}
	return IntentGeneral
}

// ScorePolicy holds the tunable weights behind smart selection. The exact
// formula is policy, not contract: callers may rely only on budget
// observance, deterministic tie-breaks, and change-log-touched files coming
// first.
type ScorePolicy struct {
	MentionedFile  float64 // query names the file explicitly
	FilenameMatch  float64 // per keyword found in the base name
	PathMatch      float64 // per keyword found elsewhere in the path
	ContentMatch   float64 // per keyword found in the content sample
	IntentAffinity float64 // file fits the query intent (test files for test queries)

	RecencyDay   float64 // modified within the last day
	RecencyWeek  float64 // within the last week
	RecencyMonth float64 // within the last month

	// MaxFiles caps how many candidates a single query may include.
	MaxFiles int

	// IntentBudgets bound the artifact size per intent; the configured
	// byte budget always wins when smaller.
	IntentBudgets map[QueryIntent]int
}

// DefaultScorePolicy returns the stock weights.
func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{
		MentionedFile:  50,
		FilenameMatch:  10,
		PathMatch:      5,
		ContentMatch:   8,
		IntentAffinity: 5,
		RecencyDay:     5,
		RecencyWeek:    3,
		RecencyMonth:   1,
		MaxFiles:       50,
		IntentBudgets: map[QueryIntent]int{
			IntentDebug:    80000,
			IntentRefactor: 70000,
			IntentFeature:  60000,
			IntentTest:     50000,
			IntentExplain:  40000,
			IntentConfig:   30000,
			IntentGeneral:  50000,
		},
	}
}

// budgetFor returns the effective byte budget for a query intent.
func (p ScorePolicy) budgetFor(intent QueryIntent, configured int) int {
	limit, ok := p.IntentBudgets[intent]
	if !ok || limit <= 0 || limit > configured {
		return configured
	}
	return limit
}

// stopWords filters query tokens too common to discriminate between files.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"to": true, "of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "and": true, "but": true, "or": true,
	"if": true, "then": true, "when": true, "where": true, "why": true,
	"how": true, "what": true, "this": true, "that": true, "it": true,
	"can": true, "you": true, "do": true, "does": true, "please": true,
	"me": true, "my": true, "about": true, "into": true, "all": true,
	"file": true, "code": true, "project": true,
}

var (
	mentionedFilePattern = regexp.MustCompile(`[\w./-]+\.[A-Za-z]{1,5}\b`)
	quotedPattern        = regexp.MustCompile("[\"'`]([^\"'`]+)[\"'`]")
	tokenPattern         = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)
)

// queryKeywords is the distilled search vocabulary of one query.
type queryKeywords struct {
	tokens  []string // deduped, lowercased, stop words removed
	weights map[string]float64
	files   []string // paths the query names outright
}

// extractKeywords pulls identifiers, quoted strings, and file mentions out
// of the query text. Quoted strings and file mentions weigh more than loose
// words.
func extractKeywords(query string) queryKeywords {
	kw := queryKeywords{weights: make(map[string]float64)}
	seen := make(map[string]bool)

	add := func(token string, weight float64) {
		token = strings.ToLower(strings.TrimSpace(token))
		if len(token) < 3 || stopWords[token] || seen[token] {
			return
		}
		seen[token] = true
		kw.tokens = append(kw.tokens, token)
		kw.weights[token] = weight
	}

	for _, m := range mentionedFilePattern.FindAllString(query, -1) {
		kw.files = append(kw.files, filepath.ToSlash(m))
		stem := strings.TrimSuffix(filepath.Base(m), filepath.Ext(m))
		add(stem, 1.0)
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(query, -1) {
		for _, tok := range tokenPattern.FindAllString(m[1], -1) {
			add(tok, 0.9)
		}
	}
	for _, tok := range tokenPattern.FindAllString(query, -1) {
		add(tok, 0.6)
	}
	return kw
}

// scored pairs a candidate with its relevance for ordering.
type scored struct {
	candidate
	score   float64
	changed bool
}

// selectSmart orders candidates by query relevance: change-log-touched files
// first, then descending score, ties broken by path. The returned slice is
// already capped at MaxFiles; the byte budget is applied later by the
// builder's greedy include loop.
func (p ScorePolicy) selectSmart(cands []candidate, query string, changes []types.ChangeEntry, now time.Time) []candidate {
	kw := extractKeywords(query)
	intent := ClassifyIntent(query)

	changedSet := make(map[string]bool, len(changes))
	for _, ch := range changes {
		changedSet[filepath.ToSlash(ch.Detail)] = true
	}

	ranked := make([]scored, 0, len(cands))
	for _, c := range cands {
		ranked = append(ranked, scored{
			candidate: c,
			score:     p.scoreCandidate(c, kw, intent, now),
			changed:   changedSet[c.rel],
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].changed != ranked[j].changed {
			return ranked[i].changed
		}
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].rel < ranked[j].rel
	})

	max := p.MaxFiles
	if max <= 0 || max > len(ranked) {
		max = len(ranked)
	}
	out := make([]candidate, 0, max)
	for _, r := range ranked[:max] {
		out = append(out, r.candidate)
	}
	return out
}

// contentSampleSize bounds how much of each candidate the scorer reads.
const contentSampleSize = 4096

func (p ScorePolicy) scoreCandidate(c candidate, kw queryKeywords, intent QueryIntent, now time.Time) float64 {
	var score float64

	rel := strings.ToLower(c.rel)
	base := strings.ToLower(filepath.Base(c.rel))

	for _, mentioned := range kw.files {
		m := strings.ToLower(mentioned)
		if rel == m || strings.HasSuffix(rel, "/"+m) || base == filepath.Base(m) {
			score += p.MentionedFile
			break
		}
	}

	sample := readSample(c.abs, contentSampleSize)
	lowerSample := strings.ToLower(string(sample))
	for _, tok := range kw.tokens {
		w := kw.weights[tok]
		switch {
		case strings.Contains(base, tok):
			score += p.FilenameMatch * w
		case strings.Contains(rel, tok):
			score += p.PathMatch * w
		}
		if lowerSample != "" && strings.Contains(lowerSample, tok) {
			score += p.ContentMatch * w
		}
	}

	if intentMatchesFile(intent, rel) {
		score += p.IntentAffinity
	}

	switch age := now.Sub(c.modTime); {
	case age <= 24*time.Hour:
		score += p.RecencyDay
	case age <= 7*24*time.Hour:
		score += p.RecencyWeek
	case age <= 30*24*time.Hour:
		score += p.RecencyMonth
	}
	return score
}

// intentMatchesFile reports whether a file is the natural habitat of an
// intent: test files for test queries, config formats for config queries.
func intentMatchesFile(intent QueryIntent, rel string) bool {
	switch intent {
	case IntentTest:
		return strings.Contains(rel, "test")
	case IntentConfig:
		switch filepath.Ext(rel) {
		case ".yml", ".yaml", ".toml", ".ini", ".json", ".env":
			return true
		}
		return strings.Contains(rel, "config") || strings.Contains(rel, "settings")
	case IntentDebug, IntentRefactor, IntentFeature:
		// Source files over docs.
		switch filepath.Ext(rel) {
		case ".md", ".txt", ".rst":
			return false
		}
		return true
	default:
		return false
	}
}

// readSample returns up to n leading bytes of the file, or nil on error.
// Scoring degrades to metadata-only for unreadable files.
func readSample(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read <= 0 && err != nil {
		return nil
	}
	return buf[:read]
}
