package audit

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// RedactedMarker replaces every sensitive substring before an entry is
// persisted or exported.
const RedactedMarker = "[REDACTED]"

// minLiteralLen guards against registering values so short that replacing
// them would shred ordinary text.
const minLiteralLen = 4

// tokenPatterns match token shapes that are sensitive regardless of
// registration: bearer headers, provider API keys, JWTs.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bsk_(?:live|test)_[A-Za-z0-9]{8,}\b`),
	regexp.MustCompile(`\bshpat_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bshpss_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}\b`),
}

// Redactor rewrites sensitive material out of audit text. It combines two
// sources: literals registered at runtime (e.g. every secret the vault has
// handled in this process) and built-in token shape patterns that catch
// secrets nobody registered. Safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	literals map[string]struct{}
}

// NewRedactor creates a Redactor with only the built-in token patterns.
func NewRedactor() *Redactor {
	return &Redactor{literals: make(map[string]struct{})}
}

// Register adds known-sensitive literal values. Blank and very short values
// are ignored.
func (r *Redactor) Register(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if len(v) < minLiteralLen {
			continue
		}
		r.literals[v] = struct{}{}
	}
}

// RedactText replaces registered literals and token-shaped substrings with
// the marker. Literals are applied longest first so a shorter literal never
// splits a longer one into surviving fragments.
func (r *Redactor) RedactText(s string) string {
	if s == "" {
		return s
	}
	for _, literal := range r.sortedLiterals() {
		s = strings.ReplaceAll(s, literal, RedactedMarker)
	}
	for _, pattern := range tokenPatterns {
		s = pattern.ReplaceAllString(s, RedactedMarker)
	}
	return s
}

// RedactMap returns a deep copy of m with every string value redacted,
// recursing through nested maps and slices. Keys are structure, not
// secrets, and pass through unchanged.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := r.redactValue(m).(map[string]any)
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.RedactText(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.redactValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return val
	}
}

func (r *Redactor) sortedLiterals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.literals) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.literals))
	for literal := range r.literals {
		out = append(out, literal)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
