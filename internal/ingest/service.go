// Package ingest turns raw query/page metric batches into classified
// opportunity records.
package ingest

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/seopilot/engine/internal/classify"
	"github.com/seopilot/engine/internal/models"
)

// Store is the storage surface the ingest pipeline writes through.
type Store interface {
	UpsertOpportunity(ctx context.Context, opp models.Opportunity) (*models.Opportunity, error)
	ListAll(ctx context.Context) ([]models.Opportunity, error)
	UpdateClassification(ctx context.Context, id uuid.UUID, t models.OpportunityType, score float64, priority models.Priority, potentialClicks int64) error
}

// BatchResult summarizes one ingest run for the caller and the logs.
type BatchResult struct {
	Ingested     int `json:"ingested"`
	Flagged      int `json:"flagged"`
	Failed       int `json:"failed"`
	Reclassified int `json:"reclassified"`
}

type Service struct {
	store  Store
	policy classify.Policy
	log    *slog.Logger
}

func NewService(store Store, policy classify.Policy, log *slog.Logger) *Service {
	return &Service{store: store, policy: policy, log: log}
}

// IngestBatch classifies and upserts every record, then runs the cross-query
// cannibalization pass over the refreshed snapshot. One bad record never
// aborts the batch; it is counted, logged and skipped. Suspect inputs are
// clamped into range and flagged rather than rejected.
func (s *Service) IngestBatch(ctx context.Context, batch []models.QueryPageMetrics) (BatchResult, error) {
	var result BatchResult

	for _, m := range batch {
		if m.Query == "" || m.Page == "" {
			result.Failed++
			s.log.Warn("skipping record without query/page", "query", m.Query, "page", m.Page)
			continue
		}

		decision := classify.Classify(s.policy, m)
		if len(decision.Clamped) > 0 {
			result.Flagged++
			s.log.Warn("metrics clamped during classification",
				"query", m.Query, "page", m.Page, "flags", decision.Clamped)
		}

		_, err := s.store.UpsertOpportunity(ctx, models.Opportunity{
			Type:               decision.Type,
			TargetQuery:        m.Query,
			TargetPage:         m.Page,
			Score:              decision.Score,
			Priority:           decision.Priority,
			CurrentPosition:    m.Position,
			CurrentImpressions: m.Impressions,
			CurrentCTR:         m.CTR,
			PotentialClicks:    decision.PotentialClicks,
			DataQualityFlags:   decision.Clamped,
		})
		if err != nil {
			result.Failed++
			s.log.Error("failed to upsert opportunity", "query", m.Query, "page", m.Page, "error", err)
			continue
		}
		result.Ingested++
	}

	// The cannibalization signal spans records, so it runs against the full
	// snapshot after the per-record writes land.
	snapshot, err := s.store.ListAll(ctx)
	if err != nil {
		return result, err
	}

	for _, u := range classify.DetectCannibalization(s.policy, snapshot) {
		if err := s.store.UpdateClassification(ctx, u.ID, u.Type, u.Score, u.Priority, u.PotentialClicks); err != nil {
			result.Failed++
			s.log.Error("failed to apply cannibalization reclassification", "id", u.ID, "error", err)
			continue
		}
		result.Reclassified++
	}

	s.log.Info("ingest batch processed",
		"records", len(batch), "ingested", result.Ingested,
		"flagged", result.Flagged, "failed", result.Failed,
		"reclassified", result.Reclassified)

	return result, nil
}
