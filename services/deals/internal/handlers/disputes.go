package handlers

import (
	"net/http"
	"strings"

	"github.com/Chrissou78/rwa-trade-core/libs/auth"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) OpenDispute(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	claimed := decimal.Zero
	if strings.TrimSpace(req.ClaimedAmount) != "" {
		d, err := parseDecimal("claimed_amount", req.ClaimedAmount)
		if err != nil {
			h.writeAppError(c, err)
			return
		}
		claimed = d
	}
	dispute, deal, err := h.Disputes.OpenDispute(c.Request.Context(), service.OpenDisputeInput{
		DealID:        id,
		CallerWallet:  auth.WalletFrom(c),
		Description:   req.Description,
		ClaimedAmount: claimed,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": disputeToResponse(dispute), "deal": dealToResponse(deal)})
}

func (h *Handler) ListDisputes(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	disputes, err := h.Disputes.ListDisputes(c.Request.Context(), id, auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for i := range disputes {
		items = append(items, disputeToResponse(&disputes[i]))
	}
	c.JSON(http.StatusOK, gin.H{"disputes": items})
}

func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	dispute, err := h.Disputes.GetDispute(c.Request.Context(), id, auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, disputeToResponse(dispute))
}

func (h *Handler) AdvanceDispute(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req disputeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Status) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "status is required", nil)
		return
	}
	dispute, err := h.Disputes.AdvanceDispute(c.Request.Context(), service.AdvanceDisputeInput{
		DisputeID:    id,
		CallerWallet: auth.WalletFrom(c),
		Status:       strings.ToLower(strings.TrimSpace(req.Status)),
		Note:         req.Note,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, disputeToResponse(dispute))
}

func (h *Handler) WithdrawDispute(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	dispute, err := h.Disputes.WithdrawDispute(c.Request.Context(), id, auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, disputeToResponse(dispute))
}

func (h *Handler) DisputeStats(c *gin.Context) {
	stats, err := h.Disputes.Stats(c.Request.Context(), auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsToResponse(stats))
}
