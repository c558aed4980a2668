// Package lifecycle owns every status transition an opportunity can make.
// No other component writes status. Transitions ride on the store's
// compare-and-swap so that two racing requests for the same opportunity can
// never both win.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/seopilot/engine/internal/models"
)

var (
	// ErrInvalidTransition rejects a transition out of a terminal state or
	// into a state the machine does not allow from the current one.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyRunning rejects a second Execute Agent request while a run is
	// in flight. Callers surface this distinctly from hard errors.
	ErrAlreadyRunning = errors.New("opportunity already in progress")

	// ErrDispatchFailure reports that the agent gateway could not be handed
	// the work; the opportunity has been returned to pending.
	ErrDispatchFailure = errors.New("agent dispatch failed")
)

// Store is the slice of opportunity storage the manager needs. db.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	ApplyTransition(ctx context.Context, tr models.StatusTransition) (bool, error)
}

// DispatchRequest carries the context the agent gateway needs to act.
type DispatchRequest struct {
	OpportunityID uuid.UUID
	RunID         uuid.UUID
	TargetQuery   string
	TargetPage    string
	Type          models.OpportunityType
}

// Dispatcher hands a run to the agent gateway. Dispatch must return quickly;
// the outcome arrives later through CompleteRun.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Manager is the per-opportunity state machine:
//
//	pending -> in_progress -> completed
//	pending -> dismissed (manual rejection)
//	in_progress -> pending (failed run, budget left)
//	in_progress -> dismissed (budget exhausted, or admin cancel)
//
// completed and dismissed are terminal.
type Manager struct {
	store       Store
	dispatcher  Dispatcher
	retryBudget int
	log         *slog.Logger
}

func NewManager(store Store, dispatcher Dispatcher, retryBudget int, log *slog.Logger) *Manager {
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &Manager{store: store, dispatcher: dispatcher, retryBudget: retryBudget, log: log}
}

// ExecuteAgent moves the opportunity to in_progress and enqueues exactly one
// dispatch for it. At most one run is ever in flight per opportunity: the
// CAS decides races, and the loser gets ErrAlreadyRunning. The call returns
// as soon as the dispatch is enqueued; it never waits for the agent.
func (m *Manager) ExecuteAgent(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	opp, err := m.store.GetOpportunity(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}

	switch opp.Status {
	case models.StatusInProgress:
		return uuid.Nil, ErrAlreadyRunning
	case models.StatusCompleted, models.StatusDismissed:
		return uuid.Nil, fmt.Errorf("execute from %s: %w", opp.Status, ErrInvalidTransition)
	}

	runID := uuid.New()
	applied, err := m.store.ApplyTransition(ctx, models.StatusTransition{
		ID:    id,
		From:  models.StatusPending,
		To:    models.StatusInProgress,
		RunID: &runID,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if !applied {
		// Lost the race. Re-read to tell "already running" apart from a
		// concurrent dismissal.
		current, rerr := m.store.GetOpportunity(ctx, id)
		if rerr != nil {
			return uuid.Nil, rerr
		}
		if current.Status == models.StatusInProgress {
			return uuid.Nil, ErrAlreadyRunning
		}
		return uuid.Nil, fmt.Errorf("execute from %s: %w", current.Status, ErrInvalidTransition)
	}

	if err := m.dispatcher.Dispatch(ctx, DispatchRequest{
		OpportunityID: id,
		RunID:         runID,
		TargetQuery:   opp.TargetQuery,
		TargetPage:    opp.TargetPage,
		Type:          opp.Type,
	}); err != nil {
		// Roll back so the opportunity stays actionable. The CAS guards
		// against clobbering a state someone else reached meanwhile.
		if _, rbErr := m.store.ApplyTransition(ctx, models.StatusTransition{
			ID:       id,
			From:     models.StatusInProgress,
			To:       models.StatusPending,
			ClearRun: true,
		}); rbErr != nil {
			m.log.Error("dispatch rollback failed", "opportunity_id", id, "error", rbErr)
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}

	m.log.Info("agent dispatched", "opportunity_id", id, "run_id", runID, "type", opp.Type)
	return runID, nil
}

// CompleteRun applies a gateway callback. Callbacks are idempotent and
// tolerate disorder: a duplicate success for a completed opportunity is a
// no-op, and a callback whose run id no longer matches the active run
// (cancelled or already retried) is discarded without error.
func (m *Manager) CompleteRun(ctx context.Context, id, runID uuid.UUID, success bool, failureReason string) error {
	opp, err := m.store.GetOpportunity(ctx, id)
	if err != nil {
		return err
	}

	if opp.Status == models.StatusCompleted {
		return nil
	}
	if opp.Status == models.StatusDismissed {
		m.log.Info("discarding callback for dismissed opportunity", "opportunity_id", id, "run_id", runID)
		return nil
	}
	if opp.ActiveRunID == nil || *opp.ActiveRunID != runID {
		m.log.Info("discarding stale run callback", "opportunity_id", id, "run_id", runID)
		return nil
	}

	if success {
		applied, err := m.store.ApplyTransition(ctx, models.StatusTransition{
			ID:       id,
			From:     models.StatusInProgress,
			To:       models.StatusCompleted,
			ClearRun: true,
		})
		if err != nil {
			return err
		}
		if applied {
			m.log.Info("agent run completed", "opportunity_id", id, "run_id", runID)
		}
		// Not applied means a concurrent callback or cancel got there first;
		// either way the idempotent-completion rule says this is fine.
		return nil
	}

	attempts := opp.Attempts + 1
	to := models.StatusPending
	reason := failureReason
	if attempts > m.retryBudget {
		to = models.StatusDismissed
		reason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempts, failureReason)
	}

	applied, err := m.store.ApplyTransition(ctx, models.StatusTransition{
		ID:            id,
		From:          models.StatusInProgress,
		To:            to,
		ClearRun:      true,
		Attempts:      &attempts,
		FailureReason: &reason,
	})
	if err != nil {
		return err
	}
	if applied {
		m.log.Warn("agent run failed",
			"opportunity_id", id, "run_id", runID,
			"attempts", attempts, "budget", m.retryBudget, "now", to, "reason", failureReason)
	}
	return nil
}

// Dismiss rejects a pending opportunity or cancels an in-flight run. A
// cancelled run's external agent may still finish; its late callback is
// discarded by the run id check in CompleteRun. Terminal states reject the
// dismissal like every other transition.
func (m *Manager) Dismiss(ctx context.Context, id uuid.UUID, reason string) error {
	opp, err := m.store.GetOpportunity(ctx, id)
	if err != nil {
		return err
	}
	if opp.Status.Terminal() {
		return fmt.Errorf("dismiss from %s: %w", opp.Status, ErrInvalidTransition)
	}

	applied, err := m.store.ApplyTransition(ctx, models.StatusTransition{
		ID:            id,
		From:          opp.Status,
		To:            models.StatusDismissed,
		ClearRun:      true,
		FailureReason: &reason,
	})
	if err != nil {
		return err
	}
	if !applied {
		current, rerr := m.store.GetOpportunity(ctx, id)
		if rerr != nil {
			return rerr
		}
		if current.Status.Terminal() {
			return fmt.Errorf("dismiss from %s: %w", current.Status, ErrInvalidTransition)
		}
		// The status moved under us (pending <-> in_progress); one retry is
		// enough because dismissed is reachable from both.
		applied, err = m.store.ApplyTransition(ctx, models.StatusTransition{
			ID:            id,
			From:          current.Status,
			To:            models.StatusDismissed,
			ClearRun:      true,
			FailureReason: &reason,
		})
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("dismiss raced: %w", ErrInvalidTransition)
		}
	}

	m.log.Info("opportunity dismissed", "opportunity_id", id, "reason", reason)
	return nil
}
