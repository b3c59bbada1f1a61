package handlers

import (
	"time"

	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/engine"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/service"
	"github.com/Chrissou78/rwa-trade-core/services/exchange/internal/storage"
)

type balanceResponse struct {
	Token     string `json:"token"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

type orderResponse struct {
	ID        string `json:"id"`
	Pair      string `json:"pair"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price,omitempty"`
	Quantity  string `json:"quantity"`
	Filled    string `json:"filled"`
	Remaining string `json:"remaining"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// tradeResponse leaves out wallets; trade lists are visible to every caller.
type tradeResponse struct {
	ID         string `json:"id"`
	Pair       string `json:"pair"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Total      string `json:"total"`
	MakerSide  string `json:"maker_side"`
	BuyerFee   string `json:"buyer_fee"`
	SellerFee  string `json:"seller_fee"`
	ExecutedAt string `json:"executed_at"`
}

type venueOrderResponse struct {
	ID            string `json:"id"`
	Pair          string `json:"pair"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executed_qty"`
	ExecutedPrice string `json:"executed_price"`
	UserPrice     string `json:"user_price"`
	SpreadFee     string `json:"spread_fee"`
	PlatformFee   string `json:"platform_fee"`
	Received      string `json:"received"`
	CreatedAt     string `json:"created_at"`
}

type placeOrderResponse struct {
	Order      *orderResponse      `json:"order,omitempty"`
	Trades     []tradeResponse     `json:"trades"`
	VenueOrder *venueOrderResponse `json:"venue_order,omitempty"`
}

type levelResponse struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

type depthResponse struct {
	Pair string          `json:"pair"`
	Bids []levelResponse `json:"bids"`
	Asks []levelResponse `json:"asks"`
}

type statsResponse struct {
	Pair        string `json:"pair"`
	Trades      int    `json:"trades"`
	BaseVolume  string `json:"base_volume"`
	QuoteVolume string `json:"quote_volume"`
	LastPrice   string `json:"last_price,omitempty"`
	High        string `json:"high,omitempty"`
	Low         string `json:"low,omitempty"`
}

type withdrawalResponse struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func balanceToResponse(b storage.Balance) balanceResponse {
	return balanceResponse{
		Token:     b.Token,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
		Total:     b.Available.Add(b.Locked).String(),
	}
}

func orderToResponse(o *storage.Order) orderResponse {
	resp := orderResponse{
		ID:        o.ID.String(),
		Pair:      o.Pair,
		Side:      o.Side,
		Type:      o.Type,
		Quantity:  o.Quantity.String(),
		Filled:    o.Filled.String(),
		Remaining: o.Remaining().String(),
		Status:    o.Status,
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
	if o.Type == storage.TypeLimit {
		resp.Price = o.Price.String()
	}
	return resp
}

func tradeToResponse(t storage.Trade) tradeResponse {
	return tradeResponse{
		ID:         t.ID.String(),
		Pair:       t.Pair,
		Price:      t.Price.String(),
		Quantity:   t.Quantity.String(),
		Total:      t.Total.String(),
		MakerSide:  t.MakerSide,
		BuyerFee:   t.BuyerFee.String(),
		SellerFee:  t.SellerFee.String(),
		ExecutedAt: formatTime(t.ExecutedAt),
	}
}

func placeToResponse(res *service.PlaceOrderResult) placeOrderResponse {
	resp := placeOrderResponse{Trades: make([]tradeResponse, 0, len(res.Trades))}
	if res.Order != nil {
		o := orderToResponse(res.Order)
		resp.Order = &o
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, tradeToResponse(t))
	}
	if v := res.VenueOrder; v != nil {
		resp.VenueOrder = &venueOrderResponse{
			ID:            v.ID.String(),
			Pair:          v.Pair,
			Side:          v.Side,
			Quantity:      v.Quantity.String(),
			Status:        v.Status,
			ExecutedQty:   v.ExecutedQty.String(),
			ExecutedPrice: v.ExecutedPrice.String(),
			UserPrice:     v.UserPrice.String(),
			SpreadFee:     v.SpreadFee.String(),
			PlatformFee:   v.PlatformFee.String(),
			Received:      v.Received.String(),
			CreatedAt:     formatTime(v.CreatedAt),
		}
	}
	return resp
}

func depthToResponse(d *service.Depth) depthResponse {
	return depthResponse{Pair: d.Pair, Bids: levels(d.Bids), Asks: levels(d.Asks)}
}

func levels(in []engine.Level) []levelResponse {
	out := make([]levelResponse, 0, len(in))
	for _, l := range in {
		out = append(out, levelResponse{Price: l.Price.String(), Quantity: l.Quantity.String(), Orders: l.Orders})
	}
	return out
}

func statsToResponse(s storage.TradeStats) statsResponse {
	resp := statsResponse{
		Pair:        s.Pair,
		Trades:      s.Count,
		BaseVolume:  s.BaseVolume.String(),
		QuoteVolume: s.QuoteVolume.String(),
	}
	if s.Count > 0 {
		resp.LastPrice = s.LastPrice.String()
		resp.High = s.High.String()
		resp.Low = s.Low.String()
	}
	return resp
}

func withdrawalToResponse(w *storage.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:          w.ID.String(),
		Token:       w.Token,
		Amount:      w.Amount.String(),
		Destination: w.Destination,
		Status:      w.Status,
		Reason:      w.Reason,
		CreatedAt:   formatTime(w.CreatedAt),
		UpdatedAt:   formatTime(w.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
