package classify

import (
	"fmt"
	"os"

	"github.com/seopilot/engine/internal/models"
	"gopkg.in/yaml.v3"
)

// Policy holds every tunable threshold of the classifier. Scores and
// priorities are fully reproducible from a policy plus the input metrics;
// there is no hidden state.
type Policy struct {
	// low_hanging_fruit: position just past page one with real impressions.
	LowHangingMinPosition    float64 `yaml:"low_hanging_min_position"`
	LowHangingMaxPosition    float64 `yaml:"low_hanging_max_position"`
	LowHangingMinImpressions int64   `yaml:"low_hanging_min_impressions"`

	// ctr_optimization: observed CTR below this fraction of the expected
	// CTR for the position signals a title/snippet problem.
	CTRGapFactor      float64 `yaml:"ctr_gap_factor"`
	CTRMinImpressions int64   `yaml:"ctr_min_impressions"`

	// content_refresh: current impressions below this fraction of the
	// previous window counts as a decline.
	DeclineFactor float64 `yaml:"decline_factor"`

	// cannibalization: a query needs at least MinPages pages each holding
	// MinShare of the query's impressions.
	CannibalMinPages int     `yaml:"cannibal_min_pages"`
	CannibalMinShare float64 `yaml:"cannibal_min_share"`

	// TrafficNorm scales the click-potential saturation curve.
	TrafficNorm float64 `yaml:"traffic_norm"`

	TypeMultipliers map[models.OpportunityType]float64 `yaml:"type_multipliers"`

	// Priority cut points: score >= cutoff lands in the bucket.
	CriticalCutoff float64 `yaml:"critical_cutoff"`
	HighCutoff     float64 `yaml:"high_cutoff"`
	MediumCutoff   float64 `yaml:"medium_cutoff"`
}

func DefaultPolicy() Policy {
	return Policy{
		LowHangingMinPosition:    10,
		LowHangingMaxPosition:    20,
		LowHangingMinImpressions: 200,
		CTRGapFactor:             0.5,
		CTRMinImpressions:        100,
		DeclineFactor:            0.7,
		CannibalMinPages:         2,
		CannibalMinShare:         0.2,
		TrafficNorm:              400,
		TypeMultipliers: map[models.OpportunityType]float64{
			models.TypeLowHangingFruit: 1.2,
			models.TypeCTROptimization: 1.0,
			models.TypeContentRefresh:  0.8,
			models.TypeCannibalization: 1.1,
		},
		CriticalCutoff: 80,
		HighCutoff:     60,
		MediumCutoff:   35,
	}
}

// LoadPolicy reads a YAML policy file layered over the defaults, so a partial
// file only overrides the keys it names.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()

	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	return policy, nil
}

// PriorityFor buckets a score into a priority. This is the only place the
// score/priority mapping lives.
func (p Policy) PriorityFor(score float64) models.Priority {
	switch {
	case score >= p.CriticalCutoff:
		return models.PriorityCritical
	case score >= p.HighCutoff:
		return models.PriorityHigh
	case score >= p.MediumCutoff:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func (p Policy) multiplier(t models.OpportunityType) float64 {
	if m, ok := p.TypeMultipliers[t]; ok {
		return m
	}
	return 1
}
