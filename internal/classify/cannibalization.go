package classify

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/seopilot/engine/internal/models"
)

// Reclassification rewrites one opportunity's classification after the
// cross-query pass.
type Reclassification struct {
	ID              uuid.UUID
	Type            models.OpportunityType
	Score           float64
	Priority        models.Priority
	PotentialClicks int64
}

// DetectCannibalization scans a store snapshot for queries where multiple
// pages split the traffic. A query cannibalizes when at least MinPages pages
// each hold MinShare of its impressions; every such page is reclassified.
// This is deliberately a separate pass over the whole set — it is the one
// signal that cannot be computed from a single record.
func DetectCannibalization(p Policy, opps []models.Opportunity) []Reclassification {
	byQuery := make(map[string][]models.Opportunity)
	for _, o := range opps {
		byQuery[o.TargetQuery] = append(byQuery[o.TargetQuery], o)
	}

	queries := make([]string, 0, len(byQuery))
	for q := range byQuery {
		queries = append(queries, q)
	}
	sort.Strings(queries)

	var updates []Reclassification
	for _, q := range queries {
		group := byQuery[q]
		if len(group) < p.CannibalMinPages {
			continue
		}

		var total int64
		for _, o := range group {
			total += o.CurrentImpressions
		}
		if total <= 0 {
			continue
		}

		var contenders []models.Opportunity
		for _, o := range group {
			share := float64(o.CurrentImpressions) / float64(total)
			if share >= p.CannibalMinShare {
				contenders = append(contenders, o)
			}
		}
		if len(contenders) < p.CannibalMinPages {
			continue
		}

		bestPos := contenders[0].CurrentPosition
		var groupClicks float64
		var groupImpr int64
		for _, o := range contenders {
			if o.CurrentPosition < bestPos {
				bestPos = o.CurrentPosition
			}
			groupClicks += o.CurrentCTR * float64(o.CurrentImpressions)
			groupImpr += o.CurrentImpressions
		}
		combinedCTR := groupClicks / float64(groupImpr)
		gap := math.Max(0, ExpectedCTR(bestPos)-combinedCTR)

		// Deterministic order within the group.
		sort.Slice(contenders, func(i, j int) bool {
			return contenders[i].ID.String() < contenders[j].ID.String()
		})
		for _, o := range contenders {
			potential := float64(o.CurrentImpressions) * gap
			score := scoreValue(p, models.TypeCannibalization, potential, bestPos)
			updates = append(updates, Reclassification{
				ID:              o.ID,
				Type:            models.TypeCannibalization,
				Score:           score,
				Priority:        p.PriorityFor(score),
				PotentialClicks: int64(math.Round(potential)),
			})
		}
	}

	return updates
}
