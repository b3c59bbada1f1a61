package handlers

import (
	"time"

	"github.com/Chrissou78/rwa-trade-core/services/deals/internal/storage"
	"github.com/shopspring/decimal"
)

type productResponse struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
	UnitPrice   string `json:"unit_price"`
	Currency    string `json:"currency"`
	TotalValue  string `json:"total_value"`
}

type termsResponse struct {
	Incoterm     string `json:"incoterm,omitempty"`
	Origin       string `json:"origin,omitempty"`
	Destination  string `json:"destination,omitempty"`
	DeliveryDate string `json:"delivery_date,omitempty"`
	PaymentTerms string `json:"payment_terms,omitempty"`
}

type escrowResponse struct {
	Amount   string `json:"amount"`
	Funded   string `json:"funded"`
	Released string `json:"released"`
	Status   string `json:"status"`
}

type milestoneResponse struct {
	ID                string `json:"id"`
	Index             int    `json:"index"`
	Type              string `json:"type"`
	Title             string `json:"title,omitempty"`
	PaymentPercentage int    `json:"payment_percentage"`
	PaymentAmount     string `json:"payment_amount"`
	AutoRelease       bool   `json:"auto_release"`
	Status            string `json:"status"`
}

type dealResponse struct {
	ID             string              `json:"id"`
	Reference      string              `json:"reference"`
	BuyerWallet    string              `json:"buyer_wallet"`
	SellerWallet   string              `json:"seller_wallet"`
	BuyerCompany   string              `json:"buyer_company,omitempty"`
	SellerCompany  string              `json:"seller_company,omitempty"`
	Product        productResponse     `json:"product"`
	Terms          termsResponse       `json:"terms"`
	Stage          string              `json:"stage"`
	StageUpdatedAt string              `json:"stage_updated_at"`
	Escrow         escrowResponse      `json:"escrow"`
	Milestones     []milestoneResponse `json:"milestones"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
}

type timelineResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type disputeResponse struct {
	ID               string `json:"id"`
	DealID           string `json:"deal_id"`
	InitiatorWallet  string `json:"initiator_wallet"`
	RespondentWallet string `json:"respondent_wallet"`
	ClaimedAmount    string `json:"claimed_amount"`
	Description      string `json:"description"`
	ArbiterWallet    string `json:"arbiter_wallet,omitempty"`
	Status           string `json:"status"`
	ResolutionNote   string `json:"resolution_note,omitempty"`
	Deadline         string `json:"deadline"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	ResolvedAt       string `json:"resolved_at,omitempty"`
}

type statsResponse struct {
	Total       int            `json:"total"`
	Open        int            `json:"open"`
	ByStatus    map[string]int `json:"by_status"`
	ValueAtRisk string         `json:"value_at_risk"`
}

func dealToResponse(d *storage.Deal) dealResponse {
	resp := dealResponse{
		ID:            d.ID.String(),
		Reference:     d.Reference,
		BuyerWallet:   d.BuyerWallet,
		SellerWallet:  d.SellerWallet,
		BuyerCompany:  d.BuyerCompany,
		SellerCompany: d.SellerCompany,
		Product: productResponse{
			Description: d.Product.Description,
			Quantity:    d.Product.Quantity.String(),
			Unit:        d.Product.Unit,
			UnitPrice:   d.Product.UnitPrice.String(),
			Currency:    d.Product.Currency,
			TotalValue:  d.Product.TotalValue.String(),
		},
		Terms: termsResponse{
			Incoterm:     d.Terms.Incoterm,
			Origin:       d.Terms.Origin,
			Destination:  d.Terms.Destination,
			DeliveryDate: formatOptional(d.Terms.DeliveryDate),
			PaymentTerms: d.Terms.PaymentTerms,
		},
		Stage:          string(d.Stage),
		StageUpdatedAt: formatTime(d.StageUpdatedAt),
		Escrow: escrowResponse{
			Amount:   d.EscrowAmount.String(),
			Funded:   d.EscrowFunded.String(),
			Released: d.EscrowReleased.String(),
			Status:   d.EscrowStatus,
		},
		Milestones: make([]milestoneResponse, 0, len(d.Milestones)),
		CreatedAt:  formatTime(d.CreatedAt),
		UpdatedAt:  formatTime(d.UpdatedAt),
	}
	for _, m := range d.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneToResponse(m))
	}
	return resp
}

func milestoneToResponse(m storage.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:                m.ID.String(),
		Index:             m.Index,
		Type:              m.Type,
		Title:             m.Title,
		PaymentPercentage: m.PaymentPercentage,
		PaymentAmount:     m.PaymentAmount.String(),
		AutoRelease:       m.AutoRelease,
		Status:            m.Status,
	}
}

func disputeToResponse(d *storage.Dispute) disputeResponse {
	return disputeResponse{
		ID:               d.ID.String(),
		DealID:           d.DealID.String(),
		InitiatorWallet:  d.InitiatorWallet,
		RespondentWallet: d.RespondentWallet,
		ClaimedAmount:    d.ClaimedAmount.String(),
		Description:      d.Description,
		ArbiterWallet:    d.ArbiterWallet,
		Status:           string(d.Status),
		ResolutionNote:   d.ResolutionNote,
		Deadline:         formatTime(d.Deadline),
		CreatedAt:        formatTime(d.CreatedAt),
		UpdatedAt:        formatTime(d.UpdatedAt),
		ResolvedAt:       formatOptional(d.ResolvedAt),
	}
}

func statsToResponse(s storage.DisputeStats) statsResponse {
	byStatus := make(map[string]int, len(s.ByStatus))
	for status, n := range s.ByStatus {
		byStatus[string(status)] = n
	}
	value := s.ValueAtRisk
	if value.IsZero() {
		value = decimal.Zero
	}
	return statsResponse{Total: s.Total, Open: s.Open, ByStatus: byStatus, ValueAtRisk: value.String()}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
