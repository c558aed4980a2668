// Package classify turns raw query/page metrics into a typed, scored,
// prioritized opportunity decision. Everything here is deterministic and
// side-effect free; bad input is clamped and flagged, never rejected.
package classify

import (
	"math"

	"github.com/seopilot/engine/internal/models"
)

// Decision is the classifier output for one query/page pair.
type Decision struct {
	Type            models.OpportunityType
	Score           float64
	Priority        models.Priority
	PotentialClicks int64

	// Clamped names every input that had to be corrected. Non-empty means a
	// data-quality concern worth logging, not an error.
	Clamped []string
}

// expectedCTRByPosition is the organic click-through curve for page-one
// positions. Positions 11-20 and 21+ get flat tail values.
var expectedCTRByPosition = [11]float64{
	0,     // unused, positions start at 1
	0.28, 0.15, 0.11, 0.08, 0.07,
	0.05, 0.04, 0.035, 0.03, 0.025,
}

const (
	pageTwoCTR = 0.015
	deepCTR    = 0.005
)

// ExpectedCTR returns the click-through rate a page at the given position
// would normally see.
func ExpectedCTR(position float64) float64 {
	switch {
	case position <= 0:
		return expectedCTRByPosition[1]
	case position <= 10:
		idx := int(math.Floor(position))
		if idx < 1 {
			idx = 1
		}
		return expectedCTRByPosition[idx]
	case position <= 20:
		return pageTwoCTR
	default:
		return deepCTR
	}
}

// Classify computes the (type, score, priority) triple for one metrics
// record. It is total over finite and non-finite numeric input.
func Classify(p Policy, m models.QueryPageMetrics) Decision {
	m, clamped := clampMetrics(m)

	typ := classifyType(p, m)
	potential := potentialClicks(p, typ, m)
	score := scoreValue(p, typ, potential, m.Position)

	return Decision{
		Type:            typ,
		Score:           score,
		Priority:        p.PriorityFor(score),
		PotentialClicks: int64(math.Round(potential)),
		Clamped:         clamped,
	}
}

// classifyType applies the mutually exclusive per-record rules in precedence
// order. Cannibalization is never assigned here; it needs a view across
// records and is applied by the cross-query pass.
func classifyType(p Policy, m models.QueryPageMetrics) models.OpportunityType {
	if m.Position > p.LowHangingMinPosition &&
		m.Position <= p.LowHangingMaxPosition &&
		m.Impressions >= p.LowHangingMinImpressions {
		return models.TypeLowHangingFruit
	}

	if m.Position <= p.LowHangingMinPosition &&
		m.Impressions >= p.CTRMinImpressions &&
		m.CTR < p.CTRGapFactor*ExpectedCTR(m.Position) {
		return models.TypeCTROptimization
	}

	// Everything else is judged on staleness. A pair with no decline still
	// classifies as content_refresh with zero potential, which keeps the
	// classifier total; the score makes it a non-opportunity in practice.
	return models.TypeContentRefresh
}

// hasDecline reports whether the current window's impressions dropped below
// the policy's fraction of the previous window.
func hasDecline(p Policy, m models.QueryPageMetrics) bool {
	return m.PrevImpressions > 0 &&
		float64(m.Impressions) < p.DeclineFactor*float64(m.PrevImpressions)
}

func potentialClicks(p Policy, typ models.OpportunityType, m models.QueryPageMetrics) float64 {
	switch typ {
	case models.TypeLowHangingFruit:
		// Winning a page-one slot: clicks gained at the position-10 CTR.
		return float64(m.Impressions) * math.Max(0, ExpectedCTR(10)-m.CTR)
	case models.TypeCTROptimization:
		// Closing the snippet gap at the current position.
		return float64(m.Impressions) * math.Max(0, ExpectedCTR(m.Position)-m.CTR)
	case models.TypeContentRefresh:
		// Recovering the previous window's clicks, but only when the decline
		// gate actually fired; steady traffic is not a refresh opportunity.
		if !hasDecline(p, m) {
			return 0
		}
		return math.Max(0, float64(m.PrevClicks-m.Clicks))
	default:
		return 0
	}
}

// scoreValue blends traffic potential (saturating curve), proximity to page
// one (diminishing returns the deeper the position), and the per-type
// multiplier into a 0-100 score. Monotonic in potential within a type.
func scoreValue(p Policy, typ models.OpportunityType, potential, position float64) float64 {
	norm := p.TrafficNorm
	if norm <= 0 {
		norm = 1
	}
	traffic := 100 * (1 - math.Exp(-potential/norm))

	proximity := 1.0
	if position > 10 {
		proximity = 10 / position
	}

	score := traffic * proximity * p.multiplier(typ)
	return math.Min(100, math.Max(0, score))
}

// clampMetrics corrects impossible input in place and reports what it had to
// touch. NaN and infinite values count as impossible.
func clampMetrics(m models.QueryPageMetrics) (models.QueryPageMetrics, []string) {
	var clamped []string

	if !isFinite(m.Position) {
		m.Position = 100
		clamped = append(clamped, "position")
	} else if m.Position < 1 {
		m.Position = 1
		clamped = append(clamped, "position")
	} else if m.Position > 100 {
		m.Position = 100
		clamped = append(clamped, "position")
	}

	if m.Impressions < 0 {
		m.Impressions = 0
		clamped = append(clamped, "impressions")
	}
	if m.PrevImpressions < 0 {
		m.PrevImpressions = 0
		clamped = append(clamped, "prev_impressions")
	}
	if m.Clicks < 0 {
		m.Clicks = 0
		clamped = append(clamped, "clicks")
	}
	if m.PrevClicks < 0 {
		m.PrevClicks = 0
		clamped = append(clamped, "prev_clicks")
	}
	if m.Clicks > m.Impressions {
		m.Clicks = m.Impressions
		clamped = append(clamped, "clicks")
	}

	if !isFinite(m.CTR) || m.CTR < 0 {
		m.CTR = 0
		clamped = append(clamped, "ctr")
	} else if m.CTR > 1 {
		m.CTR = 1
		clamped = append(clamped, "ctr")
	}
	if m.CTR == 0 && m.Impressions > 0 && m.Clicks > 0 {
		m.CTR = float64(m.Clicks) / float64(m.Impressions)
	}

	return m, clamped
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
