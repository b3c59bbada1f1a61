package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/auth"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DealService interface {
	CreateDeal(ctx context.Context, input service.CreateDealInput) (*storage.Deal, error)
	GetDeal(ctx context.Context, dealID uuid.UUID, caller string) (*storage.Deal, error)
	ListDeals(ctx context.Context, input service.ListDealsInput) ([]storage.Deal, int, error)
	ListTimeline(ctx context.Context, dealID uuid.UUID, caller string, limit, offset int) ([]storage.TimelineEvent, int, error)
	RequestStageChange(ctx context.Context, input service.StageChangeInput) (*storage.Deal, error)
	FundEscrow(ctx context.Context, input service.FundEscrowInput) (*service.EscrowResult, error)
	ReleaseEscrow(ctx context.Context, input service.ReleaseEscrowInput) (*service.EscrowResult, error)
	UpdateMilestone(ctx context.Context, input service.UpdateMilestoneInput) (*storage.Milestone, error)
}

type DisputeService interface {
	OpenDispute(ctx context.Context, input service.OpenDisputeInput) (*storage.Dispute, *storage.Deal, error)
	AdvanceDispute(ctx context.Context, input service.AdvanceDisputeInput) (*storage.Dispute, error)
	WithdrawDispute(ctx context.Context, disputeID uuid.UUID, caller string) (*storage.Dispute, error)
	GetDispute(ctx context.Context, disputeID uuid.UUID, caller string) (*storage.Dispute, error)
	ListDisputes(ctx context.Context, dealID uuid.UUID, caller string) ([]storage.Dispute, error)
	Stats(ctx context.Context, caller string) (storage.DisputeStats, error)
}

type Handler struct {
	Deals    DealService
	Disputes DisputeService
	Logger   *slog.Logger
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type productRequest struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit"`
	UnitPrice   string `json:"unit_price"`
	Currency    string `json:"currency"`
}

type termsRequest struct {
	Incoterm     string `json:"incoterm"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	DeliveryDate string `json:"delivery_date"`
	PaymentTerms string `json:"payment_terms"`
}

type milestoneRequest struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	PaymentPercentage int    `json:"payment_percentage"`
	AutoRelease       bool   `json:"auto_release"`
}

type createDealRequest struct {
	SellerWallet  string             `json:"seller_wallet"`
	BuyerCompany  string             `json:"buyer_company"`
	SellerCompany string             `json:"seller_company"`
	Product       productRequest     `json:"product"`
	Terms         termsRequest       `json:"terms"`
	Milestones    []milestoneRequest `json:"milestones"`
}

type stageRequest struct {
	Stage    string         `json:"stage"`
	Metadata map[string]any `json:"metadata"`
}

type fundRequest struct {
	TxHash string `json:"tx_hash"`
	Amount string `json:"amount"`
}

type releaseRequest struct {
	MilestoneID string `json:"milestone_id"`
	TxHash      string `json:"tx_hash"`
}

type milestoneStatusRequest struct {
	Status string `json:"status"`
}

type openDisputeRequest struct {
	Description   string `json:"description"`
	ClaimedAmount string `json:"claimed_amount"`
}

type disputeStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func New(deals DealService, disputes DisputeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Deals: deals, Disputes: disputes, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/deals", h.CreateDeal)
	group.GET("/deals", h.ListDeals)
	group.GET("/deals/:id", h.GetDeal)
	group.POST("/deals/:id/stage", h.ChangeStage)
	group.POST("/deals/:id/escrow/fund", h.FundEscrow)
	group.POST("/deals/:id/escrow/release", h.ReleaseEscrow)
	group.PATCH("/deals/:id/milestones/:milestone_id", h.UpdateMilestone)
	group.GET("/deals/:id/timeline", h.ListTimeline)
	group.POST("/deals/:id/disputes", h.OpenDispute)
	group.GET("/deals/:id/disputes", h.ListDisputes)
	group.GET("/disputes/stats", h.DisputeStats)
	group.GET("/disputes/:id", h.GetDispute)
	group.POST("/disputes/:id/status", h.AdvanceDispute)
	group.POST("/disputes/:id/withdraw", h.WithdrawDispute)
}

func (h *Handler) CreateDeal(c *gin.Context) {
	var req createDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	qty, err := parseDecimal("quantity", req.Product.Quantity)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	price, err := parseDecimal("unit_price", req.Product.UnitPrice)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	var delivery *time.Time
	if s := strings.TrimSpace(req.Terms.DeliveryDate); s != "" {
		parsed, err := parseDate(s)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid delivery_date", map[string]string{"field": "delivery_date"})
			return
		}
		delivery = &parsed
	}

	milestones := make([]service.MilestoneInput, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		milestones = append(milestones, service.MilestoneInput{
			Type:              m.Type,
			Title:             m.Title,
			PaymentPercentage: m.PaymentPercentage,
			AutoRelease:       m.AutoRelease,
		})
	}

	deal, err := h.Deals.CreateDeal(c.Request.Context(), service.CreateDealInput{
		CallerWallet:  auth.WalletFrom(c),
		SellerWallet:  req.SellerWallet,
		BuyerCompany:  req.BuyerCompany,
		SellerCompany: req.SellerCompany,
		Product: service.ProductInput{
			Description: req.Product.Description,
			Quantity:    qty,
			Unit:        req.Product.Unit,
			UnitPrice:   price,
			Currency:    req.Product.Currency,
		},
		Terms: service.TermsInput{
			Incoterm:     strings.ToUpper(strings.TrimSpace(req.Terms.Incoterm)),
			Origin:       req.Terms.Origin,
			Destination:  req.Terms.Destination,
			DeliveryDate: delivery,
			PaymentTerms: req.Terms.PaymentTerms,
		},
		Milestones: milestones,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dealToResponse(deal))
}

func (h *Handler) ListDeals(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	deals, total, err := h.Deals.ListDeals(c.Request.Context(), service.ListDealsInput{
		CallerWallet: auth.WalletFrom(c),
		Stage:        strings.TrimSpace(c.Query("stage")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	items := make([]dealResponse, 0, len(deals))
	for i := range deals {
		items = append(items, dealToResponse(&deals[i]))
	}
	c.JSON(http.StatusOK, gin.H{"deals": items, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) GetDeal(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	deal, err := h.Deals.GetDeal(c.Request.Context(), id, auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dealToResponse(deal))
}

func (h *Handler) ChangeStage(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req stageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Stage) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "stage is required", nil)
		return
	}
	deal, err := h.Deals.RequestStageChange(c.Request.Context(), service.StageChangeInput{
		DealID:       id,
		CallerWallet: auth.WalletFrom(c),
		Target:       strings.ToLower(strings.TrimSpace(req.Stage)),
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, dealToResponse(deal))
}

func (h *Handler) FundEscrow(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	res, err := h.Deals.FundEscrow(c.Request.Context(), service.FundEscrowInput{
		DealID:       id,
		CallerWallet: auth.WalletFrom(c),
		TxHash:       req.TxHash,
		Amount:       amount,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": dealToResponse(res.Deal), "replayed": res.Replayed})
}

func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	milestoneID, err := uuid.Parse(strings.TrimSpace(req.MilestoneID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid milestone_id", map[string]string{"field": "milestone_id"})
		return
	}
	res, err := h.Deals.ReleaseEscrow(c.Request.Context(), service.ReleaseEscrowInput{
		DealID:       id,
		CallerWallet: auth.WalletFrom(c),
		MilestoneID:  milestoneID,
		TxHash:       req.TxHash,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": dealToResponse(res.Deal), "replayed": res.Replayed})
}

func (h *Handler) UpdateMilestone(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	milestoneID, ok := uuidParam(c, "milestone_id")
	if !ok {
		return
	}
	var req milestoneStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Status) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "status is required", nil)
		return
	}
	m, err := h.Deals.UpdateMilestone(c.Request.Context(), service.UpdateMilestoneInput{
		DealID:       id,
		MilestoneID:  milestoneID,
		CallerWallet: auth.WalletFrom(c),
		Status:       req.Status,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, milestoneToResponse(*m))
}

func (h *Handler) ListTimeline(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	events, total, err := h.Deals.ListTimeline(c.Request.Context(), id, auth.WalletFrom(c), limit, offset)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	items := make([]timelineResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, timelineResponse{
			ID:          ev.ID.String(),
			Type:        ev.Type,
			Title:       ev.Title,
			Description: ev.Description,
			Actor:       ev.Actor,
			Metadata:    ev.Metadata,
			CreatedAt:   ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": items, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) writeAppError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		writeError(c, apperr.HTTPStatus(appErr.Kind), apperr.Code(appErr.Kind), appErr.Message, appErr.Details)
		return
	}
	h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name, map[string]string{"field": name})
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (int, int, bool) {
	limit, offset := 50, 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", map[string]string{"field": "limit"})
			return 0, 0, false
		}
		if v > 100 {
			v = 100
		}
		limit = v
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offset", map[string]string{"field": "offset"})
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, apperr.Validation("%s is required", field).WithDetail("field", field)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, apperr.Validation("%s is not a decimal", field).WithDetail("field", field)
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
