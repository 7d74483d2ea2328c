package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"crash-round-backend/internal/middleware"
	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"
)

// HistoryReader serves the shared list of recently crashed rounds.
type HistoryReader interface {
	RecentHistory(ctx context.Context, limit int64) ([]models.RoundSummary, error)
}

type GameHandler struct {
	scheduler *services.RoundScheduler
	generator *services.MultiplierGenerator
	history   HistoryReader
	log       zerolog.Logger
}

func NewGameHandler(scheduler *services.RoundScheduler, generator *services.MultiplierGenerator, history HistoryReader, log zerolog.Logger) *GameHandler {
	return &GameHandler{
		scheduler: scheduler,
		generator: generator,
		history:   history,
		log:       log,
	}
}

func (h *GameHandler) PlaceBet(c *gin.Context) {
	player, ok := middleware.Player(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.PlaceBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	bet, err := h.scheduler.PlaceBet(c.Request.Context(), player, req.Amount)
	if err != nil {
		respondError(c, h.log, "Failed to place bet", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"bet":     bet,
	})
}

func (h *GameHandler) Cashout(c *gin.Context) {
	player, ok := middleware.Player(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	var (
		result models.CashoutResult
		err    error
	)
	if req.BetID == "" {
		result, err = h.scheduler.CashOutUser(c.Request.Context(), player)
	} else {
		result, err = h.scheduler.CashOut(c.Request.Context(), player, req.BetID)
	}
	if err != nil {
		respondError(c, h.log, "Failed to cashout", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  result,
	})
}

func (h *GameHandler) GetRound(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"round":   h.scheduler.Snapshot(),
	})
}

func (h *GameHandler) GetHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 50 {
		limit = 50
	}

	rounds := h.scheduler.History(limit)
	// The in-memory list starts empty after a restart.
	if h.history != nil {
		cached, err := h.history.RecentHistory(c.Request.Context(), int64(limit))
		if err != nil {
			h.log.Warn().Err(err).Msg("recent history unavailable, serving in-memory list")
		} else if len(cached) >= len(rounds) {
			rounds = cached
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rounds":  rounds,
		"count":   len(rounds),
	})
}

func (h *GameHandler) GetVerificationData(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"server_hash":    h.generator.ServerHash(),
			"salt":           h.generator.Salt(),
			"house_edge":     h.generator.HouseEdge().String(),
			"max_crash":      h.generator.MaxCrashPoint().StringFixed(2),
			"revealed_seeds": h.generator.RevealedSeeds(),
		},
	})
}

func (h *GameHandler) VerifyRound(c *gin.Context) {
	var req models.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	crashPoint, hash := services.VerifyCrashPoint(
		req.ServerSeed,
		req.Salt,
		req.RoundNumber,
		h.generator.HouseEdge(),
		h.generator.MaxCrashPoint(),
	)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"verification": gin.H{
			"crash_point":     crashPoint,
			"calculated_hash": hash,
			"salt":            req.Salt,
			"round_number":    req.RoundNumber,
		},
	})
}

// respondError maps engine errors onto HTTP statuses.
func respondError(c *gin.Context, log zerolog.Logger, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidPhase),
		errors.Is(err, services.ErrAlreadySettled),
		errors.Is(err, services.ErrDuplicateBet),
		errors.Is(err, services.ErrNoLiveRound):
		return http.StatusConflict
	case errors.Is(err, services.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrInvalidBet),
		errors.Is(err, services.ErrInvalidRigConfig):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrBetNotFound),
		errors.Is(err, services.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrWalletTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
