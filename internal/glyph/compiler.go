// Package glyph compiles symbolic glyph programs into the canonical step
// sequence the rest of the orchestrator reasons about.
package glyph

import "strings"

// CanonicalSteps is the closed, ordered alphabet every compiled program is
// validated against.
var CanonicalSteps = []string{
	"verify", "invoke", "audit", "scan", "attest",
	"sanctify", "rollout", "judge", "deploy", "continuum",
}

// symbolMap maps a small set of shorthand glyph symbols onto canonical step
// names. Anything not in this map falls back to its lowercased first word.
var symbolMap = map[string]string{
	"%":  "verify",
	"->": "invoke",
	"!":  "audit",
	"?":  "scan",
	"+":  "attest",
	"~":  "sanctify",
	">>": "rollout",
	"=":  "judge",
	"#":  "deploy",
	"∞":  "continuum",
}

var canonicalIndex = func() map[string]int {
	m := make(map[string]int, len(CanonicalSteps))
	for i, s := range CanonicalSteps {
		m[s] = i
	}
	return m
}()

// Result is the outcome of compiling a glyph program.
type Result struct {
	OK      bool     `json:"ok"`
	Steps   []string `json:"steps"`
	Explain string   `json:"explain"`
}

// Compile splits text on ';' or newline, normalizes each non-empty token to
// a canonical step name, and reports whether the resulting sequence is a
// prefix of the canonical order. Compile performs no I/O and has no side
// effects.
func Compile(text string) Result {
	tokens := splitTokens(text)
	steps := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		name := normalize(tok)
		if _, known := canonicalIndex[name]; known {
			steps = append(steps, name)
		}
	}

	if isCanonicalPrefix(steps) {
		return Result{OK: true, Steps: steps, Explain: "canonical prefix"}
	}
	return Result{OK: false, Steps: steps, Explain: "token order is not a prefix of the canonical step sequence"}
}

func splitTokens(text string) []string {
	text = strings.ReplaceAll(text, "\n", ";")
	raw := strings.Split(text, ";")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// normalize maps a token that begins with a known glyph symbol to that
// symbol's canonical name, falling back to the lowercased first word. No
// symbol is a prefix of another, so prefix matching is unambiguous.
func normalize(token string) string {
	for sym, name := range symbolMap {
		if strings.HasPrefix(token, sym) {
			return name
		}
	}
	firstWord := token
	if idx := strings.IndexAny(token, " \t"); idx >= 0 {
		firstWord = token[:idx]
	}
	return strings.ToLower(strings.TrimSpace(firstWord))
}

// isCanonicalPrefix reports whether steps, with duplicates and gaps allowed,
// never regresses to an earlier canonical position than one already seen.
func isCanonicalPrefix(steps []string) bool {
	last := -1
	for _, s := range steps {
		idx, ok := canonicalIndex[s]
		if !ok {
			return false
		}
		if idx < last {
			return false
		}
		last = idx
	}
	return true
}
