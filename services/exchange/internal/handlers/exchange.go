package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Chrissou78/rwa-trade-core/libs/apperr"
	"github.com/Chrissou78/rwa-trade-core/libs/auth"
	"github.com/Chrissou78/rwa-trade-core/libs/ratelimit"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LedgerService interface {
	GetBalance(ctx context.Context, caller, token string) (storage.Balance, error)
	ListBalances(ctx context.Context, caller string) ([]storage.Balance, error)
	RequestWithdrawal(ctx context.Context, input service.WithdrawalInput) (*storage.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID, caller string) (*storage.Withdrawal, error)
}

type OrderService interface {
	PlaceOrder(ctx context.Context, input service.PlaceOrderInput) (*service.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, caller string, id uuid.UUID) (*storage.Order, error)
	GetOrder(ctx context.Context, caller string, id uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, input service.ListOrdersInput) ([]storage.Order, int, error)
	ListTrades(ctx context.Context, symbol string, limit, offset int) ([]storage.Trade, int, error)
	TradeStats(ctx context.Context, symbol string) (storage.TradeStats, error)
	Depth(ctx context.Context, symbol string, levels int) (*service.Depth, error)
}

type Handler struct {
	Ledger  LedgerService
	Orders  OrderService
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type placeOrderRequest struct {
	Pair     string `json:"pair"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type withdrawalRequest struct {
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

// New builds the exchange API. A nil limiter disables per-wallet rate
// limiting.
func New(ledger LedgerService, orders OrderService, limiter ratelimit.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: ledger, Orders: orders, Limiter: limiter, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret), ratelimit.Middleware(h.Limiter, walletKey, h.Logger))
	group.GET("/balances", h.ListBalances)
	group.GET("/balances/:token", h.GetBalance)
	group.POST("/orders", h.PlaceOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.GET("/pairs/:symbol/trades", h.ListTrades)
	group.GET("/pairs/:symbol/stats", h.TradeStats)
	group.GET("/pairs/:symbol/depth", h.Depth)
	group.POST("/withdrawals", h.RequestWithdrawal)
	group.GET("/withdrawals/:id", h.GetWithdrawal)
}

func walletKey(c *gin.Context) string {
	if addr := auth.WalletFrom(c); addr != "" {
		return "wallet:" + addr
	}
	return "ip:" + c.ClientIP()
}

func (h *Handler) ListBalances(c *gin.Context) {
	balances, err := h.Ledger.ListBalances(c.Request.Context(), auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	items := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		items = append(items, balanceToResponse(b))
	}
	c.JSON(http.StatusOK, gin.H{"balances": items})
}

func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.Ledger.GetBalance(c.Request.Context(), auth.WalletFrom(c), c.Param("token"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceToResponse(b))
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	qty, err := parseDecimal("quantity", req.Quantity)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	var price decimal.Decimal
	if strings.TrimSpace(req.Price) != "" {
		if price, err = parseDecimal("price", req.Price); err != nil {
			h.writeAppError(c, err)
			return
		}
	}

	res, err := h.Orders.PlaceOrder(c.Request.Context(), service.PlaceOrderInput{
		CallerWallet: auth.WalletFrom(c),
		Pair:         req.Pair,
		Side:         req.Side,
		Type:         req.Type,
		Price:        price,
		Quantity:     qty,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, placeToResponse(res))
}

func (h *Handler) ListOrders(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	orders, total, err := h.Orders.ListOrders(c.Request.Context(), service.ListOrdersInput{
		CallerWallet: auth.WalletFrom(c),
		Pair:         c.Query("pair"),
		Status:       c.Query("status"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	items := make([]orderResponse, 0, len(orders))
	for i := range orders {
		items = append(items, orderToResponse(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": items, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	o, err := h.Orders.GetOrder(c.Request.Context(), auth.WalletFrom(c), id)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(o))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	o, err := h.Orders.CancelOrder(c.Request.Context(), auth.WalletFrom(c), id)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(o))
}

func (h *Handler) ListTrades(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	trades, total, err := h.Orders.ListTrades(c.Request.Context(), c.Param("symbol"), limit, offset)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	items := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		items = append(items, tradeToResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": items, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) TradeStats(c *gin.Context) {
	stats, err := h.Orders.TradeStats(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsToResponse(stats))
}

func (h *Handler) Depth(c *gin.Context) {
	levels := 0
	if raw := c.Query("levels"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid levels", map[string]string{"field": "levels"})
			return
		}
		levels = v
	}
	depth, err := h.Orders.Depth(c.Request.Context(), c.Param("symbol"), levels)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, depthToResponse(depth))
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	w, err := h.Ledger.RequestWithdrawal(c.Request.Context(), service.WithdrawalInput{
		CallerWallet: auth.WalletFrom(c),
		Token:        req.Token,
		Amount:       amount,
		Destination:  req.Destination,
	})
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, withdrawalToResponse(w))
}

func (h *Handler) GetWithdrawal(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	w, err := h.Ledger.GetWithdrawal(c.Request.Context(), id, auth.WalletFrom(c))
	if err != nil {
		h.writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawalToResponse(w))
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
