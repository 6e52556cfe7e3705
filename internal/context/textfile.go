package context

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// textSampleSize is how many leading bytes the content check inspects.
const textSampleSize = 1024

// textExtensions are the file types eligible for context artifacts when a
// project is not under version control (version-controlled projects trust
// the tracked-file listing plus the content check instead).
var textExtensions = map[string]bool{
	".py": true, ".txt": true, ".md": true, ".sh": true,
	".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".html": true, ".css": true, ".json": true,
	".yml": true, ".yaml": true, ".toml": true, ".ini": true,
	".java": true, ".cpp": true, ".c": true, ".h": true, ".hpp": true,
	".go": true, ".rs": true, ".rb": true,
}

// HasTextExtension reports whether the path carries one of the known
// text-like extensions.
func HasTextExtension(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsTextContent is a pure predicate over a leading byte sample: content is
// text when the sample holds no NUL byte and is valid UTF-8 up to a possibly
// truncated trailing rune. An empty sample counts as text.
func IsTextContent(sample []byte) bool {
	if len(sample) > textSampleSize {
		sample = sample[:textSampleSize]
	}
	if bytes.IndexByte(sample, 0x00) >= 0 {
		return false
	}
	// The sample may end mid-rune; strip at most a rune's worth of trailing
	// bytes so a cut-off multibyte character is not misread as binary.
	for i := 0; i < utf8.UTFMax-1 && len(sample) > 0 && !utf8.Valid(sample); i++ {
		sample = sample[:len(sample)-1]
	}
	return utf8.Valid(sample)
}
