// Package proof turns validator outcomes into the overall verdict and the
// per-component proofs.
package proof

import (
	"deployproof/internal/domain"
)

const (
	commitExists       = "commit_exists"
	componentExists    = "component_exists"
	componentTimestamp = "component_timestamp"

	commitWeight    = 30
	commitPartial   = 15
	existenceWeight = 35
	timestampWeight = 35

	provenThreshold = 60
)

// DefaultCritical are the validators whose failure forces UNPROVEN.
var DefaultCritical = []string{commitExists, componentExists}

var statusWeights = map[domain.ValidatorStatus]float64{
	domain.StatusSuccess: 100,
	domain.StatusWarning: 50,
	domain.StatusSkipped: 25,
	domain.StatusFailed:  0,
	// attempted without evidence
	domain.StatusNoAccess: 0,
}

// Band maps a 0-100 score to its confidence band and verdict.
func Band(score float64) (domain.Confidence, domain.Verdict) {
	switch {
	case score >= 90:
		return domain.ConfidenceVeryHigh, domain.VerdictProven
	case score >= 75:
		return domain.ConfidenceHigh, domain.VerdictProven
	case score >= 60:
		return domain.ConfidenceMedium, domain.VerdictLikelyProven
	case score >= 40:
		return domain.ConfidenceLow, domain.VerdictPossiblyProven
	default:
		return domain.ConfidenceVeryLow, domain.VerdictUnproven
	}
}

// CriticalFailed reports whether any critical validator failed.
func CriticalFailed(report domain.ExecutionReport, critical []string) bool {
	if critical == nil {
		critical = DefaultCritical
	}
	for _, name := range critical {
		if o, ok := report.Outcome(name); ok && o.Status == domain.StatusFailed {
			return true
		}
	}
	return false
}

// Aggregate computes the weighted mean over every attempted outcome.
func Aggregate(report domain.ExecutionReport, critical []string) domain.OverallProof {
	unproven := domain.OverallProof{Score: 0, Confidence: domain.ConfidenceVeryLow, Verdict: domain.VerdictUnproven}
	if CriticalFailed(report, critical) {
		return unproven
	}
	if len(report.Outcomes) == 0 {
		return unproven
	}
	total := 0.0
	for _, o := range report.Outcomes {
		total += statusWeights[o.Status]
	}
	score := round1(total / float64(len(report.Outcomes)))
	confidence, verdict := Band(score)
	return domain.OverallProof{Score: score, Confidence: confidence, Verdict: verdict}
}

// Synthesize projects validator evidence onto each component. The commit
// contribution is request-wide since one commit backs many components.
func Synthesize(proofs []domain.ComponentProof, report domain.ExecutionReport, critical []string) []domain.ComponentProof {
	commitPoints := 0
	if o, ok := report.Outcome(commitExists); ok {
		switch o.Status {
		case domain.StatusSuccess:
			commitPoints = commitWeight
		case domain.StatusWarning:
			commitPoints = commitPartial
		}
	}
	matched := keySet(report, componentExists, "matched_components")
	consistent := keySet(report, componentTimestamp, "consistent_components")
	override := CriticalFailed(report, critical)

	out := make([]domain.ComponentProof, len(proofs))
	for i, p := range proofs {
		key := p.Component.Key()
		score := 0
		methods := []string{}
		if commitPoints > 0 {
			score += commitPoints
			methods = append(methods, commitExists)
		}
		if matched[key] {
			score += existenceWeight
			methods = append(methods, componentExists)
		}
		if consistent[key] {
			score += timestampWeight
			methods = append(methods, componentTimestamp)
		}
		confidence, _ := Band(float64(score))
		proven := score >= provenThreshold
		if override {
			proven = false
			confidence = domain.ConfidenceVeryLow
		}
		out[i] = domain.ComponentProof{
			Component:  p.Component,
			Proven:     proven,
			Confidence: confidence,
			Methods:    methods,
			Score:      score,
		}
	}
	return out
}

// Initial returns one unknown proof per component.
func Initial(components []domain.Component) []domain.ComponentProof {
	out := make([]domain.ComponentProof, 0, len(components))
	for _, c := range components {
		out = append(out, domain.ComponentProof{Component: c, Confidence: domain.ConfidenceUnknown, Methods: []string{}})
	}
	return out
}

func keySet(report domain.ExecutionReport, validator, field string) map[string]bool {
	set := map[string]bool{}
	o, ok := report.Outcome(validator)
	if !ok {
		return set
	}
	switch v := o.Details[field].(type) {
	case []string:
		for _, k := range v {
			set[k] = true
		}
	case []any:
		// outcomes decoded from stored JSON
		for _, k := range v {
			if s, ok := k.(string); ok {
				set[s] = true
			}
		}
	}
	return set
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
