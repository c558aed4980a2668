package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/seopilot/engine/internal/auth"
	"github.com/seopilot/engine/internal/db"
	"github.com/seopilot/engine/internal/ingest"
	"github.com/seopilot/engine/internal/lifecycle"
	"github.com/seopilot/engine/internal/models"
	"github.com/seopilot/engine/internal/stats"
)

// Store is the read/admin surface the handlers need. db.Store satisfies it;
// handler tests use an in-memory fake.
type Store interface {
	ListOpportunities(ctx context.Context, params db.ListParams) (*db.ListResult, error)
	GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	GetByOpportunityID(ctx context.Context, opportunityID string) (*models.Opportunity, error)
	ListAll(ctx context.Context) ([]models.Opportunity, error)
	ReassignOpportunityID(ctx context.Context, id uuid.UUID, opportunityID string) (*models.Opportunity, error)
}

// Lifecycle is the slice of the lifecycle manager the handlers call.
type Lifecycle interface {
	ExecuteAgent(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	CompleteRun(ctx context.Context, id, runID uuid.UUID, success bool, failureReason string) error
	Dismiss(ctx context.Context, id uuid.UUID, reason string) error
}

// Ingester accepts raw metric batches.
type Ingester interface {
	IngestBatch(ctx context.Context, batch []models.QueryPageMetrics) (ingest.BatchResult, error)
}

type Server struct {
	Store     Store
	Lifecycle Lifecycle
	Ingest    Ingester
	Echo      *echo.Echo
}

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime string
	adminSecretErr     error
)

func NewServer(store Store, lc Lifecycle, ing Ingester, corsOrigins []string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := []string{"http://localhost:4200"}
	allowedOrigins = append(allowedOrigins, corsOrigins...)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Store:     store,
		Lifecycle: lc,
		Ingest:    ing,
		Echo:      e,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/stats", s.handleGetStats)

	api.POST("/opportunities/:id/execute", s.handleExecuteAgent)
	api.POST("/opportunities/:id/dismiss", s.handleDismiss)

	// The agent gateway authenticates with the run token it was dispatched
	// with, not the admin secret.
	api.POST("/callbacks/agent", s.handleAgentCallback)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/ingest/metrics", s.handleIngestMetrics)
	admin.PATCH("/admin/opportunities/:id/opportunity-id", s.handleReassignOpportunityID)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	limit := 50
	offset := 0
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.Store.ListOpportunities(c.Request().Context(), db.ListParams{
		Status:   c.QueryParam("status"),
		Type:     c.QueryParam("type"),
		Priority: c.QueryParam("priority"),
		Query:    c.QueryParam("q"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		c.Logger().Errorf("Failed to list opportunities: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.JSON(http.StatusOK, result)
}

// handleGetOpportunity accepts either the internal uuid or the
// dashboard-facing opp-... identifier.
func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := s.resolveOpportunityID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity id"})
	}

	opp, err := s.Store.GetOpportunity(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, opp)
}

// handleGetStats recomputes the dashboard counters from one snapshot per
// request. Partially updated aggregates are impossible because nothing is
// cached between the single read and the projection.
func (s *Server) handleGetStats(c echo.Context) error {
	snapshot, err := s.Store.ListAll(c.Request().Context())
	if err != nil {
		c.Logger().Errorf("Failed to snapshot opportunities: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, stats.Compute(snapshot))
}

var errBadIdentifier = errors.New("invalid opportunity identifier")

// resolveOpportunityID turns a path parameter into the internal uuid,
// accepting the dashboard-facing opp-... identifier as well.
func (s *Server) resolveOpportunityID(ctx context.Context, raw string) (uuid.UUID, error) {
	if id, err := uuid.Parse(raw); err == nil {
		return id, nil
	}
	if strings.HasPrefix(raw, "opp-") {
		opp, err := s.Store.GetByOpportunityID(ctx, raw)
		if err != nil {
			return uuid.Nil, err
		}
		return opp.ID, nil
	}
	return uuid.Nil, errBadIdentifier
}

func (s *Server) handleExecuteAgent(c echo.Context) error {
	id, err := s.resolveOpportunityID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity id"})
	}

	runID, err := s.Lifecycle.ExecuteAgent(c.Request().Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		case errors.Is(err, lifecycle.ErrAlreadyRunning):
			return c.JSON(http.StatusConflict, map[string]string{"error": "already_in_progress"})
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, lifecycle.ErrDispatchFailure):
			return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

type dismissRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDismiss(c echo.Context) error {
	id, err := s.resolveOpportunityID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity id"})
	}

	var req dismissRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Reason == "" {
		req.Reason = "dismissed via dashboard"
	}

	if err := s.Lifecycle.Dismiss(c.Request().Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.NoContent(http.StatusNoContent)
}

type agentCallbackRequest struct {
	OpportunityID string `json:"opportunity_id"`
	RunID         string `json:"run_id"`
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason"`
}

// handleAgentCallback applies the gateway's completion report. The bearer
// token must be the run token issued at dispatch and its bound ids must
// match the body, so a gateway can only complete runs it was actually
// handed.
func (s *Server) handleAgentCallback(c echo.Context) error {
	authHeader := c.Request().Header.Get("Authorization")
	if len(authHeader) <= 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Missing run token"})
	}

	tokenOpp, tokenRun, err := auth.VerifyRunToken(authHeader[7:])
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid run token"})
	}

	var req agentCallbackRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	oppID, err := uuid.Parse(req.OpportunityID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity id"})
	}
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid run id"})
	}
	if oppID != tokenOpp || runID != tokenRun {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Token does not match run"})
	}

	if err := s.Lifecycle.CompleteRun(c.Request().Context(), oppID, runID, req.Success, req.FailureReason); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.NoContent(http.StatusNoContent)
}

type ingestMetricsRequest struct {
	Records []models.QueryPageMetrics `json:"records"`
}

func (s *Server) handleIngestMetrics(c echo.Context) error {
	var req ingestMetricsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if len(req.Records) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "records required"})
	}

	result, err := s.Ingest.IngestBatch(c.Request().Context(), req.Records)
	if err != nil {
		c.Logger().Errorf("Ingest batch failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.JSON(http.StatusOK, result)
}

type reassignRequest struct {
	OpportunityID string `json:"opportunity_id"`
}

func (s *Server) handleReassignOpportunityID(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid opportunity id"})
	}

	var req reassignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.OpportunityID = strings.TrimSpace(req.OpportunityID)
	if req.OpportunityID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "opportunity_id required"})
	}

	opp, err := s.Store.ReassignOpportunityID(c.Request().Context(), id, req.OpportunityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		// Covers the unique constraint on opportunity_id.
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, opp)
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret, err := adminSecret()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server admin configuration error"})
		}

		// Check X-Admin-Secret header or Bearer token
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == secret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if authHeader[7:] == secret {
				return next(c)
			}
		}

		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func adminSecret() (string, error) {
	adminSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if secret != "" {
			adminSecretRuntime = secret
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			adminSecretErr = fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
			return
		}

		adminSecretRuntime = base64.RawURLEncoding.EncodeToString(buf)
		log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if adminSecretErr != nil {
		return "", adminSecretErr
	}
	if adminSecretRuntime == "" {
		return "", fmt.Errorf("admin secret unavailable")
	}

	return adminSecretRuntime, nil
}
