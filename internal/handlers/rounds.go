package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"arena-control-backend/internal/middleware"
	"arena-control-backend/internal/models"
	"arena-control-backend/internal/services"
)

// Settlement is implemented by services.SettlementEngine.
type Settlement interface {
	Configure(ctx context.Context, gsid string, clients []models.Client) (*models.RoundConfig, error)
	Checkpoint(ctx context.Context, req *models.CheckpointRequest) (bool, error)
	SaveRound(ctx context.Context, req *models.SaveRoundRequest) (*services.SettleOutcome, error)
}

// RoundReader is the part of services.RedisService the round routes read
// from directly.
type RoundReader interface {
	GetRoundConfig(ctx context.Context) (*models.RoundConfig, error)
	SetDrop(ctx context.Context, feature string, unlockAt int64) error
	GetRoundResult(ctx context.Context, roundID int64, gsid string) (*models.RoundResult, error)
	ListRoundResults(ctx context.Context, roundID int64) ([]*models.RoundResult, error)
	RegisterGameServer(ctx context.Context, gsid, remoteAddr string) error
}

// InstanceTokens issues game server tokens. services.JWTService
// implements it.
type InstanceTokens interface {
	InstanceToken(gsid string) (string, error)
}

type RoundHandler struct {
	settlement Settlement
	store      RoundReader
	tokens     InstanceTokens
	logger     *slog.Logger
	now        func() time.Time
}

func NewRoundHandler(settlement Settlement, store RoundReader, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		settlement: settlement,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// WithInstanceTokens lets init renew the token of a game server calling
// with its own gameserver token.
func (h *RoundHandler) WithInstanceTokens(tokens InstanceTokens) *RoundHandler {
	h.tokens = tokens
	return h
}

// Init registers the calling game server and returns its id, assigning
// one when the caller has none. A game server authenticated as itself
// also receives a fresh token.
func (h *RoundHandler) Init(c *gin.Context) {
	var req models.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = models.InitRequest{}
	}

	gsid := req.GSID
	if gsid == "" && c.GetString(middleware.ContextRole) == services.RoleGameServer {
		gsid = c.GetString(middleware.ContextSubject)
	}
	if gsid == "" {
		gsid = uuid.New().String()
	}

	if err := h.store.RegisterGameServer(c.Request.Context(), gsid, c.ClientIP()); err != nil {
		h.logger.Error("game server registration failed", "gsid", gsid, "error", err)
		c.JSON(http.StatusInternalServerError, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  "Failed to register game server",
		})
		return
	}

	resp := models.InitResponse{Status: models.CallStatusSuccess, ID: gsid}
	if h.tokens != nil && c.GetString(middleware.ContextRole) == services.RoleGameServer && c.GetString(middleware.ContextSubject) == gsid {
		token, err := h.tokens.InstanceToken(gsid)
		if err != nil {
			h.logger.Warn("instance token renewal failed", "gsid", gsid, "error", err)
		} else {
			resp.Token = token
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *RoundHandler) Configure(c *gin.Context) {
	var req models.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ConfigureResponse{
			Status: models.CallStatusFailure,
			Error:  "Invalid request: " + err.Error(),
		})
		return
	}

	cfg, err := h.settlement.Configure(c.Request.Context(), req.GSID, req.Clients)
	if err != nil {
		h.logger.Error("configure request failed", "gsid", req.GSID, "error", err)
		c.JSON(http.StatusInternalServerError, models.ConfigureResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.ConfigureResponse{Status: models.CallStatusSuccess, Config: cfg})
}

func (h *RoundHandler) Checkpoint(c *gin.Context) {
	var req models.CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  "Invalid request: " + err.Error(),
		})
		return
	}

	applied, err := h.settlement.Checkpoint(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("checkpoint failed", "gsid", req.GSID, "round_id", req.RoundID, "error", err)
		c.JSON(http.StatusInternalServerError, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  models.CallStatusSuccess,
		"applied": applied,
	})
}

// SaveRound settles a finished round. Saving an already settled round
// succeeds and reports the stored result.
func (h *RoundHandler) SaveRound(c *gin.Context) {
	var req models.SaveRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.SaveRoundResponse{
			Status: models.CallStatusFailure,
			Error:  "Invalid request: " + err.Error(),
		})
		return
	}

	outcome, err := h.settlement.SaveRound(c.Request.Context(), &req)
	if errors.Is(err, services.ErrInvalidRound) {
		c.JSON(http.StatusBadRequest, models.SaveRoundResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}
	if errors.Is(err, services.ErrNoOpenRound) {
		h.logger.Warn("save round without open round", "gsid", req.GSID)
		c.JSON(http.StatusConflict, models.SaveRoundResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}
	if err != nil {
		h.logger.Error("save round failed", "gsid", req.GSID, "round_id", req.RoundID, "error", err)
		c.JSON(http.StatusInternalServerError, models.SaveRoundResponse{
			Status: models.CallStatusFailure,
			Error:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.SaveRoundResponse{
		Status:  models.CallStatusSuccess,
		RoundID: outcome.NextRoundID,
		Result:  outcome.Status,
	})
}

// RoundResults lists the results of a round, or one instance's result
// when gsid is given.
func (h *RoundHandler) RoundResults(c *gin.Context) {
	roundID, err := services.ParseRoundID(c.Param("roundId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.StatusResponse{Status: models.CallStatusFailure, Error: err.Error()})
		return
	}

	if gsid := c.Query("gsid"); gsid != "" {
		result, err := h.store.GetRoundResult(c.Request.Context(), roundID, gsid)
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.StatusResponse{Status: models.CallStatusFailure, Error: "Round result not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.StatusResponse{Status: models.CallStatusFailure, Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.CallStatusSuccess, "result": result})
		return
	}

	results, err := h.store.ListRoundResults(c.Request.Context(), roundID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.StatusResponse{Status: models.CallStatusFailure, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  models.CallStatusSuccess,
		"roundId": roundID,
		"results": results,
	})
}

func (h *RoundHandler) Drops(c *gin.Context) {
	cfg, err := h.store.GetRoundConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.StatusResponse{Status: models.CallStatusFailure, Error: err.Error()})
		return
	}

	now := h.now().UnixMilli()
	unlocked := make(map[string]bool, len(cfg.Drops))
	for feature := range cfg.Drops {
		unlocked[feature] = cfg.DropUnlocked(feature, now)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   models.CallStatusSuccess,
		"drops":    cfg.Drops,
		"unlocked": unlocked,
	})
}

func (h *RoundHandler) SetDrop(c *gin.Context) {
	var req models.DropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.StatusResponse{
			Status: models.CallStatusFailure,
			Error:  "Invalid request: " + err.Error(),
		})
		return
	}

	if err := h.store.SetDrop(c.Request.Context(), req.Feature, req.UnlockAt); err != nil {
		c.JSON(http.StatusInternalServerError, models.StatusResponse{Status: models.CallStatusFailure, Error: err.Error()})
		return
	}

	h.logger.Info("drop scheduled", "feature", req.Feature, "unlock_at", req.UnlockAt)
	c.JSON(http.StatusOK, models.StatusResponse{Status: models.CallStatusSuccess})
}
