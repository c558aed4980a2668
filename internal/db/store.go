package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seopilot/engine/internal/models"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type ListParams struct {
	Status   string
	Type     string
	Priority string
	Query    string
	Limit    int
	Offset   int
}

type ListResult struct {
	Opportunities []models.Opportunity `json:"opportunities"`
	Total         int                  `json:"total"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

// selectCols is the comprehensive column list for all queries.
const selectCols = `id, opportunity_id, type, target_query, target_page,
	score, priority, current_position, current_impressions, current_ctr,
	potential_clicks, status, attempts, failure_reason, active_run_id,
	data_quality_flags, created_at, updated_at`

func scanOpportunity(scan func(dest ...interface{}) error) (models.Opportunity, error) {
	var o models.Opportunity
	err := scan(
		&o.ID, &o.OpportunityID, &o.Type, &o.TargetQuery, &o.TargetPage,
		&o.Score, &o.Priority, &o.CurrentPosition, &o.CurrentImpressions, &o.CurrentCTR,
		&o.PotentialClicks, &o.Status, &o.Attempts, &o.FailureReason, &o.ActiveRunID,
		&o.DataQualityFlags, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// NewOpportunityID derives the dashboard-facing identifier for a freshly
// created record. It is assigned once at creation and survives every
// reclassification; only the admin reassignment endpoint may change it.
func NewOpportunityID(id uuid.UUID) string {
	return "opp-" + strings.ReplaceAll(id.String(), "-", "")[:12]
}

// upsertSet is the complete list of columns a conflicting upsert may move.
// Lifecycle bookkeeping (status, attempts, failure_reason, active_run_id)
// and both identifiers are deliberately absent: re-ingesting a known pair
// can never resurrect a dismissed record or disturb an in-flight run.
const upsertSet = `type = EXCLUDED.type,
	score = EXCLUDED.score,
	priority = EXCLUDED.priority,
	current_position = EXCLUDED.current_position,
	current_impressions = EXCLUDED.current_impressions,
	current_ctr = EXCLUDED.current_ctr,
	potential_clicks = EXCLUDED.potential_clicks,
	data_quality_flags = EXCLUDED.data_quality_flags,
	updated_at = NOW()`

// UpsertOpportunity creates or refreshes the record keyed by
// (target_query, target_page). On conflict only the columns in upsertSet
// move.
func (s *Store) UpsertOpportunity(ctx context.Context, opp models.Opportunity) (*models.Opportunity, error) {
	id := uuid.New()
	query := `
		INSERT INTO opportunities (
			id, opportunity_id, type, target_query, target_page,
			score, priority, current_position, current_impressions, current_ctr,
			potential_clicks, data_quality_flags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (target_query, target_page) DO UPDATE SET ` + upsertSet + `
		RETURNING ` + selectCols

	flags := opp.DataQualityFlags
	if flags == nil {
		flags = []string{}
	}

	row := s.pool.QueryRow(ctx, query,
		id, NewOpportunityID(id), opp.Type, opp.TargetQuery, opp.TargetPage,
		opp.Score, opp.Priority, opp.CurrentPosition, opp.CurrentImpressions, opp.CurrentCTR,
		opp.PotentialClicks, flags,
	)
	saved, err := scanOpportunity(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert opportunity: %w", err)
	}
	return &saved, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectCols+" FROM opportunities WHERE id = $1", id)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get opportunity: %w", err)
	}
	return &o, nil
}

func (s *Store) GetByOpportunityID(ctx context.Context, opportunityID string) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectCols+" FROM opportunities WHERE opportunity_id = $1", opportunityID)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get opportunity: %w", err)
	}
	return &o, nil
}

// buildListWhere assembles the filter clause and its positional args.
func buildListWhere(params ListParams) (string, []interface{}) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if params.Status != "" && params.Status != "all" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, params.Status)
		argIdx++
	}
	if params.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, params.Type)
		argIdx++
	}
	if params.Priority != "" {
		where += fmt.Sprintf(" AND priority = $%d", argIdx)
		args = append(args, params.Priority)
		argIdx++
	}
	if params.Query != "" {
		where += fmt.Sprintf(" AND target_query ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, params.Query)
		argIdx++
	}

	return where, args
}

// orderClause keeps listings stable: score first, priority rank as the
// tiebreak, id last so equal rows never flap between pages.
const orderClause = ` ORDER BY score DESC,
	CASE priority
		WHEN 'critical' THEN 0
		WHEN 'high' THEN 1
		WHEN 'medium' THEN 2
		WHEN 'low' THEN 3
		ELSE 4
	END, id`

func (s *Store) ListOpportunities(ctx context.Context, params ListParams) (*ListResult, error) {
	where, args := buildListWhere(params)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM opportunities "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count opportunities: %w", err)
	}

	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + selectCols + " FROM opportunities " + where + orderClause +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list opportunities: %w", err)
	}
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read opportunities: %w", err)
	}

	return &ListResult{Opportunities: opps, Total: total, Limit: limit, Offset: offset}, nil
}

// ListAll returns the whole table in one query. Stats and the
// cannibalization pass both need a single consistent snapshot rather than a
// page at a time.
func (s *Store) ListAll(ctx context.Context) ([]models.Opportunity, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectCols+" FROM opportunities"+orderClause)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot opportunities: %w", err)
	}
	defer rows.Close()

	var opps []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read opportunities: %w", err)
	}
	return opps, nil
}

// ApplyTransition runs the status change as a single conditional UPDATE.
// The WHERE clause doubles as the compare-and-swap: when the row is no
// longer in the expected From status, zero rows move and the caller learns
// it lost the race. Returns (false, nil) in that case and (false,
// ErrNotFound) when the id does not exist at all.
func (s *Store) ApplyTransition(ctx context.Context, tr models.StatusTransition) (bool, error) {
	set := "status = $1, updated_at = NOW()"
	args := []interface{}{tr.To}
	argIdx := 2

	if tr.RunID != nil {
		set += fmt.Sprintf(", active_run_id = $%d", argIdx)
		args = append(args, *tr.RunID)
		argIdx++
	}
	if tr.ClearRun {
		set += ", active_run_id = NULL"
	}
	if tr.Attempts != nil {
		set += fmt.Sprintf(", attempts = $%d", argIdx)
		args = append(args, *tr.Attempts)
		argIdx++
	}
	if tr.FailureReason != nil {
		set += fmt.Sprintf(", failure_reason = $%d", argIdx)
		args = append(args, *tr.FailureReason)
		argIdx++
	}

	query := fmt.Sprintf("UPDATE opportunities SET %s WHERE id = $%d AND status = $%d", set, argIdx, argIdx+1)
	args = append(args, tr.ID, tr.From)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM opportunities WHERE id = $1)", tr.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check opportunity: %w", err)
	}
	if !exists {
		return false, models.ErrNotFound
	}
	return false, nil
}

// UpdateClassification rewrites the classification columns after the
// cross-query cannibalization pass. Status and run bookkeeping stay put.
func (s *Store) UpdateClassification(ctx context.Context, id uuid.UUID, t models.OpportunityType, score float64, priority models.Priority, potentialClicks int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE opportunities
		SET type = $2, score = $3, priority = $4, potential_clicks = $5, updated_at = NOW()
		WHERE id = $1
	`, id, t, score, priority, potentialClicks)
	if err != nil {
		return fmt.Errorf("failed to update classification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ReassignOpportunityID swaps the dashboard-facing identifier. The unique
// constraint rejects collisions with an existing identifier.
func (s *Store) ReassignOpportunityID(ctx context.Context, id uuid.UUID, opportunityID string) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE opportunities
		SET opportunity_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+selectCols, id, opportunityID)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to reassign opportunity id: %w", err)
	}
	return &o, nil
}
