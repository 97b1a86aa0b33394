// Package classify computes a resource_classification label for a
// normalized resource string. It is the single source of truth for what
// counts as "sensitive" — both the Rule Evaluator's resource_classification
// operand (§4.2) and the Anomaly Detector's sensitive-resource pattern
// (§4.10, pattern 4) read from the same keyword table instead of each
// maintaining its own list.
//
// The keyword-scan approach is adapted from the reference service's prompt
// injection scanner, which matches lowercase content against a table of
// compiled regexes and reports the highest-severity match; here the same
// shape classifies resource identifiers instead of LLM prompt content.
package classify

import (
	"regexp"
	"strings"
	"sync"
)

// Classification labels, ordered least to most sensitive.
const (
	ClassPublic    = "public"
	ClassInternal  = "internal"
	ClassSensitive = "sensitive"
	ClassSecret    = "secret"
)

type rule struct {
	label string
	re    *regexp.Regexp
}

// Classifier inspects a resource identifier and returns its classification.
// Safe for concurrent use; the keyword table is read-only after construction
// except through SetKeywords, which swaps it atomically.
type Classifier struct {
	mu    sync.RWMutex
	rules []rule
}

// New creates a Classifier with the default keyword table: the canonical
// set named in §4.10 pattern 4 (.env, .key, password, credential) classified
// as "secret", plus a broader "sensitive" tier for common PII-adjacent
// path segments.
func New() *Classifier {
	c := &Classifier{}
	c.SetKeywords(DefaultKeywords())
	return c
}

// Keyword is one (label, pattern) pair used to build the classifier's rule
// table.
type Keyword struct {
	Label   string
	Pattern string // regexp, matched case-insensitively against the resource
}

// DefaultKeywords returns the built-in classification table.
func DefaultKeywords() []Keyword {
	return []Keyword{
		{ClassSecret, `\.env\b`},
		{ClassSecret, `\.key\b`},
		{ClassSecret, `\bpassword\b`},
		{ClassSecret, `\bcredential`},
		{ClassSecret, `\bsecret`},
		{ClassSecret, `\bprivate[_-]?key`},
		{ClassSensitive, `\betc/passwd\b`},
		{ClassSensitive, `\betc/shadow\b`},
		{ClassSensitive, `\bssn\b`},
		{ClassSensitive, `\bpii\b`},
		{ClassSensitive, `\bfinancial`},
		{ClassInternal, `\binternal\b`},
		{ClassInternal, `\bconfig`},
	}
}

// SetKeywords atomically replaces the classifier's keyword table. Patterns
// that fail to compile are skipped; this mirrors the reference scanner's
// own tolerant load behavior rather than aborting classification entirely
// on one bad pattern.
func (c *Classifier) SetKeywords(keywords []Keyword) {
	rules := make([]rule, 0, len(keywords))
	for _, kw := range keywords {
		re, err := regexp.Compile(kw.Pattern)
		if err != nil {
			continue
		}
		rules = append(rules, rule{label: kw.Label, re: re})
	}
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// Classify returns the classification label for a resource identifier.
// Matches are checked secret, then sensitive, then internal; the first tier
// with any match wins. Resources matching nothing are "public".
func (c *Classifier) Classify(resource string) string {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	lower := strings.ToLower(resource)
	best := ClassPublic
	for _, r := range rules {
		if !r.re.MatchString(lower) {
			continue
		}
		if rank(r.label) > rank(best) {
			best = r.label
		}
	}
	return best
}

// IsSensitive reports whether a resource's classification is sensitive or
// above — the exact test the Anomaly Detector's sensitive-resource pattern
// needs.
func (c *Classifier) IsSensitive(resource string) bool {
	class := c.Classify(resource)
	return rank(class) >= rank(ClassSensitive)
}

func rank(label string) int {
	switch label {
	case ClassSecret:
		return 3
	case ClassSensitive:
		return 2
	case ClassInternal:
		return 1
	default:
		return 0
	}
}
