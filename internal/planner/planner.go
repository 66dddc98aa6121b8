// Package planner implements the optional pre-pass between the glyph
// compiler and the DAG builder: it inserts required safety steps for
// elevated-risk contexts and scores steps via a deterministic
// softmax-style bias, always preserving canonical step order.
package planner

import (
	"math"

	"github.com/antigravity-dev/glyphctl/internal/glyph"
)

// RiskLevel buckets the coarse risk a run context carries.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskElevated
	RiskCritical
)

// Context carries the planning inputs beyond the compiled step list.
type Context struct {
	Tenant   string
	Priority int
	Risk     RiskLevel
	Tags     []string
	// Bias is an opaque map of per-step score adjustments, keyed by step
	// name. Tags is carried on the context but Run does not read it, so
	// tags do not affect scores.
	Bias map[string]float64
}

// requiredSafetySteps are inserted, in canonical position, whenever Risk is
// elevated or above.
var requiredSafetySteps = []string{"scan", "attest", "sanctify", "judge"}

// prior is the fixed base score every canonical step starts from before
// bias is added.
var prior = map[string]float64{
	"verify": 1.0, "invoke": 1.0, "audit": 1.0, "scan": 1.2,
	"attest": 1.2, "sanctify": 1.3, "rollout": 1.0, "judge": 1.3,
	"deploy": 1.0, "continuum": 0.8,
}

// Plan is the final, reordered step list plus the scores that produced it.
type Plan struct {
	Steps  []string           `json:"steps"`
	Scores map[string]float64 `json:"scores"`
}

// Run executes the planner pre-pass over already-compiled steps. Given the
// same steps and context, Run always returns the same result.
func Run(steps []string, ctx Context) Plan {
	present := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		present[s] = struct{}{}
	}

	merged := append([]string{}, steps...)
	if ctx.Risk >= RiskElevated {
		for _, req := range requiredSafetySteps {
			if _, ok := present[req]; !ok {
				merged = append(merged, req)
				present[req] = struct{}{}
			}
		}
	}

	scores := score(merged, present, ctx.Bias)

	ordered := canonicalOrder(merged)
	return Plan{Steps: ordered, Scores: scores}
}

// score computes a softmax-style weight per canonical step present in the
// merged set: base prior plus any caller-supplied bias, passed through
// softmax for a stable [0,1] scale. No adjustment is made for whether a
// step was already present before safety insertion; present is not read.
func score(steps []string, present map[string]struct{}, bias map[string]float64) map[string]float64 {
	raw := make(map[string]float64, len(steps))
	var sumExp float64
	for _, s := range steps {
		p := prior[s]
		if bias != nil {
			p += bias[s]
		}
		e := math.Exp(p)
		raw[s] = e
		sumExp += e
	}
	out := make(map[string]float64, len(raw))
	for s, e := range raw {
		if sumExp == 0 {
			out[s] = 0
			continue
		}
		out[s] = e / sumExp
	}
	return out
}

// canonicalOrder filters dedup(steps) down to the canonical alphabet and
// returns them in canonical order.
func canonicalOrder(steps []string) []string {
	present := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		present[s] = struct{}{}
	}
	out := make([]string, 0, len(present))
	for _, c := range glyph.CanonicalSteps {
		if _, ok := present[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
