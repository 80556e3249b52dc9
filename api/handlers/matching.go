// Package handlers contains the HTTP request handlers for the matching
// engine's query-style operations.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agrilink/tradematch/internal/matching"
	"github.com/agrilink/tradematch/internal/matching/model"
	"github.com/agrilink/tradematch/pkg/errors"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("posdecimal", func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			return err == nil && d.IsPositive()
		})
	}
}

// MatchingHandler serves find_matches and allocate.
type MatchingHandler struct {
	engine *matching.Engine
	logger *zap.Logger
}

func NewMatchingHandler(engine *matching.Engine, logger *zap.Logger) *MatchingHandler {
	return &MatchingHandler{engine: engine, logger: logger}
}

// RegisterRoutes mounts the matching routes on the router group.
func (h *MatchingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/matches/:posting_id", h.FindMatches)
	rg.POST("/allocations", h.Allocate)
}

type matchResponse struct {
	DemandID  string               `json:"demand_id"`
	SupplyID  string               `json:"supply_id"`
	Score     float64              `json:"score"`
	Breakdown model.ScoreBreakdown `json:"breakdown"`
}

// FindMatches handles GET /matches/:posting_id?min_score=&max_results=
func (h *MatchingHandler) FindMatches(c *gin.Context) {
	postingID, err := uuid.Parse(c.Param("posting_id"))
	if err != nil {
		h.problem(c, errors.NewProblemDetails(errors.TypeValidationError, "Validation Error",
			http.StatusBadRequest, "posting_id must be a UUID", c.Request.URL.Path))
		return
	}

	opts := matching.FindOptions{}
	if raw := c.Query("min_score"); raw != "" {
		minScore, err := strconv.ParseFloat(raw, 64)
		if err != nil || minScore < 0 || minScore > 1 {
			h.problem(c, errors.NewProblemDetails(errors.TypeValidationError, "Validation Error",
				http.StatusBadRequest, "min_score must be a number in [0,1]", c.Request.URL.Path))
			return
		}
		opts.MinScore = &minScore
	}
	if raw := c.Query("max_results"); raw != "" {
		maxResults, err := strconv.Atoi(raw)
		if err != nil || maxResults < 1 {
			h.problem(c, errors.NewProblemDetails(errors.TypeValidationError, "Validation Error",
				http.StatusBadRequest, "max_results must be a positive integer", c.Request.URL.Path))
			return
		}
		opts.MaxResults = maxResults
	}

	candidates, err := h.engine.FindMatches(c.Request.Context(), postingID, opts)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.problem(c, errors.NewProblemDetails(errors.TypeNotFound, "Not Found",
				http.StatusNotFound, "no posting with that id", c.Request.URL.Path))
			return
		}
		h.logger.Error("find_matches failed", zap.String("posting_id", postingID.String()), zap.Error(err))
		h.problem(c, errors.ToProblemDetails(err, c.Request.URL.Path))
		return
	}

	out := make([]matchResponse, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, matchResponse{
			DemandID:  cand.Demand.ID.String(),
			SupplyID:  cand.Supply.ID.String(),
			Score:     cand.Score,
			Breakdown: cand.Breakdown,
		})
	}
	c.JSON(http.StatusOK, gin.H{"matches": out})
}

type allocateRequest struct {
	SupplyID          string `json:"supply_id" binding:"required,uuid"`
	DemandID          string `json:"demand_id" binding:"required,uuid"`
	RequestedQuantity string `json:"requested_quantity" binding:"required,posdecimal"`
}

// Allocate handles POST /allocations. A partial allocation reports both the
// allocated and remaining quantities so the requester understands the
// shortfall.
func (h *MatchingHandler) Allocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.problem(c, errors.NewProblemDetails(errors.TypeValidationError, "Validation Error",
			http.StatusBadRequest, err.Error(), c.Request.URL.Path))
		return
	}

	supplyID, _ := uuid.Parse(req.SupplyID)
	demandID, _ := uuid.Parse(req.DemandID)
	requested, _ := decimal.NewFromString(req.RequestedQuantity)

	result, err := h.engine.Allocate(c.Request.Context(), supplyID, demandID, requested)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.problem(c, errors.NewProblemDetails(errors.TypeNotFound, "Not Found",
				http.StatusNotFound, "no posting with that id", c.Request.URL.Path))
			return
		}
		h.logger.Warn("allocate failed",
			zap.String("supply_id", req.SupplyID),
			zap.String("demand_id", req.DemandID),
			zap.Error(err))
		h.problem(c, errors.ToProblemDetails(err, c.Request.URL.Path))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"supply_id":          result.SupplyID,
		"demand_id":          result.DemandID,
		"allocated_quantity": result.AllocatedQuantity,
		"remaining_quantity": result.RemainingQuantity,
		"allocation_type":    result.Type,
	})
}

func (h *MatchingHandler) problem(c *gin.Context, p *errors.ProblemDetails) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(p.Status, p)
}
