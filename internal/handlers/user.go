package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"crash-round-backend/internal/middleware"
	"crash-round-backend/internal/models"
)

// WalletReader is the read side of the balance collaborator.
type WalletReader interface {
	GetBalance(ctx context.Context, userID string) (*models.Wallet, error)
	GetUserTransactions(ctx context.Context, userID string, limit int64) ([]*models.Transaction, error)
}

type UserHandler struct {
	wallets WalletReader
	log     zerolog.Logger
}

func NewUserHandler(wallets WalletReader, log zerolog.Logger) *UserHandler {
	return &UserHandler{
		wallets: wallets,
		log:     log,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	player, ok := middleware.Player(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	wallet, err := h.wallets.GetBalance(c.Request.Context(), player.ID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", player.ID).Msg("failed to get wallet")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get wallet",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":   player,
		"wallet": wallet,
	})
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	player, ok := middleware.Player(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	wallet, err := h.wallets.GetBalance(c.Request.Context(), player.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get wallet",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"balance":       wallet.Balance,
		"total_wagered": wallet.TotalWagered,
		"total_won":     wallet.TotalWon,
	})
}

func (h *UserHandler) GetTransactions(c *gin.Context) {
	player, ok := middleware.Player(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 || limit > 100 {
		limit = 50
	}

	txs, err := h.wallets.GetUserTransactions(c.Request.Context(), player.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get transactions",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"transactions": txs,
		"count":        len(txs),
	})
}
