// Package stats derives the dashboard counters from an opportunity snapshot.
package stats

import "github.com/seopilot/engine/internal/models"

// publishTypes are the opportunity types whose agent action ends in a
// publish step; an in-flight run of one of these counts as a pending
// publication.
var publishTypes = map[models.OpportunityType]bool{
	models.TypeCTROptimization: true,
	models.TypeContentRefresh:  true,
}

// Compute projects one point-in-time snapshot into dashboard stats. The
// caller is responsible for passing a consistent snapshot; Compute itself is
// pure, total, and yields all zeros for an empty set. Counters are always
// recomputed in full — nothing here caches.
func Compute(opps []models.Opportunity) models.DashboardStats {
	var out models.DashboardStats

	for _, o := range opps {
		out.TotalOpportunities++

		if o.Status != models.StatusDismissed {
			out.PotentialClicksGain += o.PotentialClicks
		}

		if o.Status == models.StatusPending &&
			(o.Priority == models.PriorityHigh || o.Priority == models.PriorityCritical) {
			out.ActiveAlerts++
		}

		if o.Status == models.StatusInProgress && publishTypes[o.Type] {
			out.PendingPublications++
		}
	}

	return out
}
