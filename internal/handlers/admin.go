package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"
)

// AdminHandler exposes the operator rig commands. Changes take effect from
// the next round created; the live round keeps its snapshot.
type AdminHandler struct {
	rig       *services.RigController
	generator *services.MultiplierGenerator
	log       zerolog.Logger
}

func NewAdminHandler(rig *services.RigController, generator *services.MultiplierGenerator, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		rig:       rig,
		generator: generator,
		log:       log,
	}
}

func (h *AdminHandler) GetRig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"settings": h.rig.Settings(),
	})
}

func (h *AdminHandler) SetPercentages(c *gin.Context) {
	var req models.PercentageTargets
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if err := h.rig.SetPercentageTargets(req); err != nil {
		respondError(c, h.log, "Failed to set rig percentages", err)
		return
	}

	h.log.Info().Str("operator", c.GetString("user_id")).Msg("rig percentage targets set")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"settings": h.rig.Settings(),
	})
}

func (h *AdminHandler) ArmRounds(c *gin.Context) {
	var req models.RiggedRoundsCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}
	if req.MaxMultiplier.IsZero() {
		req.MaxMultiplier = decimal.NewFromInt(2)
	}
	if err := models.Validate(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid rig command",
			"details": err.Error(),
		})
		return
	}

	if err := h.rig.ArmRiggedRounds(req.Count, req.Mode, req.MaxMultiplier); err != nil {
		respondError(c, h.log, "Failed to arm rigged rounds", err)
		return
	}

	h.log.Info().
		Str("operator", c.GetString("user_id")).
		Int("count", req.Count).
		Str("mode", string(req.Mode)).
		Msg("rigged rounds armed")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"settings": h.rig.Settings(),
	})
}

func (h *AdminHandler) DisableRig(c *gin.Context) {
	h.rig.Disable()
	h.log.Info().Str("operator", c.GetString("user_id")).Msg("rig disabled")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"settings": h.rig.Settings(),
	})
}

// RotateSeed retires the current server seed and reveals it so past rounds
// can be verified.
func (h *AdminHandler) RotateSeed(c *gin.Context) {
	revealed, err := h.generator.RotateSeed("")
	if err != nil {
		respondError(c, h.log, "Failed to rotate seed", err)
		return
	}

	h.log.Info().Str("retired_hash", revealed.Hash).Msg("server seed rotated")
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"revealed":    revealed,
		"server_hash": h.generator.ServerHash(),
	})
}
