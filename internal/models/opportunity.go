package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no opportunity matches the given id.
var ErrNotFound = errors.New("opportunity not found")

// OpportunityType classifies what kind of improvement an opportunity represents.
type OpportunityType string

const (
	TypeLowHangingFruit OpportunityType = "low_hanging_fruit"
	TypeCTROptimization OpportunityType = "ctr_optimization"
	TypeContentRefresh  OpportunityType = "content_refresh"
	TypeCannibalization OpportunityType = "cannibalization"
)

// Priority is the triage bucket derived from Score. It is always reproducible
// from the score alone; the cut points live in classify.Policy.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the sort rank of a priority (lower sorts first). Unknown
// values sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Status is the lifecycle state of an opportunity. Only the lifecycle manager
// writes it.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDismissed  Status = "dismissed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDismissed
}

// Opportunity is one actionable search-performance improvement candidate tied
// to a single (target_query, target_page) pair. The pair is the natural key:
// re-ingesting metrics for a known pair updates the record in place rather
// than creating a duplicate.
type Opportunity struct {
	ID                 uuid.UUID       `json:"id"`
	OpportunityID      string          `json:"opportunity_id"`
	Type               OpportunityType `json:"type"`
	TargetQuery        string          `json:"target_query"`
	TargetPage         string          `json:"target_page"`
	Score              float64         `json:"score"`
	Priority           Priority        `json:"priority"`
	CurrentPosition    float64         `json:"current_position"`
	CurrentImpressions int64           `json:"current_impressions"`
	CurrentCTR         float64         `json:"current_ctr"`
	PotentialClicks    int64           `json:"potential_clicks"`
	Status             Status          `json:"status"`
	Attempts           int             `json:"attempts"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	ActiveRunID        *uuid.UUID      `json:"active_run_id,omitempty"`
	DataQualityFlags   []string        `json:"data_quality_flags,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// StatusTransition is a compare-and-swap request against one opportunity's
// status. It applies only while the stored status still equals From, which
// linearizes transitions per key.
type StatusTransition struct {
	ID   uuid.UUID
	From Status
	To   Status

	// RunID, when set, becomes the new active run. ClearRun drops the active
	// run (completion, failure, dismissal). Setting neither leaves it alone.
	RunID    *uuid.UUID
	ClearRun bool

	// Attempts, when non-nil, overwrites the stored retry counter.
	Attempts *int

	// FailureReason, when non-nil, overwrites the stored reason.
	FailureReason *string
}

// QueryPageMetrics is one normalized search-performance record for a
// query/page pair, as delivered by the external feed. Previous-window values
// feed the staleness (content_refresh) signal.
type QueryPageMetrics struct {
	Query           string  `json:"query"`
	Page            string  `json:"page"`
	Position        float64 `json:"position"`
	Impressions     int64   `json:"impressions"`
	Clicks          int64   `json:"clicks"`
	CTR             float64 `json:"ctr"`
	PrevImpressions int64   `json:"prev_impressions"`
	PrevClicks      int64   `json:"prev_clicks"`
}

// DashboardStats is the aggregate view the dashboard renders. It is a pure
// snapshot projection over the opportunity set and is never persisted.
type DashboardStats struct {
	TotalOpportunities  int   `json:"total_opportunities"`
	PotentialClicksGain int64 `json:"potential_clicks_gain"`
	ActiveAlerts        int   `json:"active_alerts"`
	PendingPublications int   `json:"pending_publications"`
}
