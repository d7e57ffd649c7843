// Package risk turns fingerprint and duplicate-account signals into a 0-100
// risk score. Scoring is a pure function of its inputs.
package risk

import (
	"github.com/bloodyteeths/nabavkidata-sub003/internal/duplicates"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/fingerprint"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
)

// Band is a coarse risk level
type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// Deny reports whether the band blocks the request
func (b Band) Deny() bool {
	return b == BandCritical
}

// Flagged reports whether the band must be written to the activity log
func (b Band) Flagged() bool {
	return b == BandMedium || b == BandHigh || b == BandCritical
}

// Factor is one contribution to a score
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Assessment is the result of scoring one request
type Assessment struct {
	Score   int      `json:"score"`
	Band    Band     `json:"band"`
	Factors []Factor `json:"factors,omitempty"`
}

// Scorer computes risk assessments from configured weights
type Scorer struct {
	weights config.RiskWeights
}

// NewScorer creates a scorer
func NewScorer(weights config.RiskWeights) *Scorer {
	return &Scorer{weights: weights}
}

// Score rates a fingerprint and the duplicate links of its user. A nil
// fingerprint counts as incomplete.
func (s *Scorer) Score(fp *fingerprint.Record, links []duplicates.Link) Assessment {
	var factors []Factor
	add := func(name string, points int) {
		if points > 0 {
			factors = append(factors, Factor{Name: name, Points: points})
		}
	}

	if fp != nil {
		switch {
		case fp.IsTor:
			add("tor", s.weights.Tor)
		case fp.IsVPN:
			add("vpn", s.weights.VPN)
		case fp.IsProxy:
			add("proxy", s.weights.Proxy)
		}
	}
	if !fp.Complete() {
		add("incomplete_fingerprint", s.weights.IncompleteFingerprint)
	}

	dup := 0
	for _, l := range links {
		if l.IsFalsePositive || l.Confidence < s.weights.DuplicateMinConfidence {
			continue
		}
		dup += s.weights.DuplicateLink
	}
	if dup > s.weights.DuplicateCap {
		dup = s.weights.DuplicateCap
	}
	add("duplicate_accounts", dup)

	total := 0
	for _, f := range factors {
		total += f.Points
	}
	total = clamp(total)

	return Assessment{Score: total, Band: s.Band(total), Factors: factors}
}

// Band maps a score to its band
func (s *Scorer) Band(score int) Band {
	switch {
	case score >= s.weights.CriticalThreshold:
		return BandCritical
	case score >= s.weights.HighThreshold:
		return BandHigh
	case score >= s.weights.MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
