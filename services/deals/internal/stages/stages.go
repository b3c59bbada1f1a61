// Package stages holds the deal lifecycle and dispute graphs. Everything here
// is pure so that authorization decisions can be tested without a store.
package stages

import (
	"github.com/Chrissou78/rwa-trade-core/libs/notify"
	"github.com/Chrissou78/rwa-trade-core/libs/wallet"
)

type Stage string

const (
	Draft         Stage = "draft"
	LOIPending    Stage = "loi_pending"
	LOISigned     Stage = "loi_signed"
	EscrowPending Stage = "escrow_pending"
	EscrowFunded  Stage = "escrow_funded"
	InProduction  Stage = "in_production"
	QualityCheck  Stage = "quality_check"
	Shipping      Stage = "shipping"
	Delivered     Stage = "delivered"
	Completed     Stage = "completed"
	Cancelled     Stage = "cancelled"
	Disputed      Stage = "disputed"
)

var All = []Stage{
	Draft, LOIPending, LOISigned, EscrowPending, EscrowFunded, InProduction,
	QualityCheck, Shipping, Delivered, Completed, Cancelled, Disputed,
}

type Role string

const (
	RoleNone   Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

type transitionKey struct {
	from Stage
	role Role
}

var transitions = map[transitionKey][]Stage{
	{Draft, RoleBuyer}:          {LOIPending, Cancelled},
	{Draft, RoleSeller}:         {Cancelled},
	{LOIPending, RoleBuyer}:     {LOISigned, Cancelled},
	{LOIPending, RoleSeller}:    {LOISigned, Cancelled},
	{LOISigned, RoleBuyer}:      {EscrowPending, Cancelled},
	{LOISigned, RoleSeller}:     {Cancelled},
	{EscrowPending, RoleBuyer}:  {EscrowFunded},
	{EscrowFunded, RoleSeller}:  {InProduction},
	{InProduction, RoleSeller}:  {QualityCheck},
	{QualityCheck, RoleBuyer}:   {Shipping, Disputed},
	{QualityCheck, RoleSeller}:  {Shipping},
	{Shipping, RoleSeller}:      {Delivered},
	{Delivered, RoleBuyer}:      {Completed, Disputed},
}

func Parse(s string) (Stage, bool) {
	for _, st := range All {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s Stage) Terminal() bool {
	return s == Completed || s == Cancelled || s == Disputed
}

// Allowed returns the stages role may move a deal to from s. The result is a
// copy and safe to modify.
func Allowed(s Stage, role Role) []Stage {
	next := transitions[transitionKey{s, role}]
	out := make([]Stage, len(next))
	copy(out, next)
	return out
}

func CanTransition(from Stage, role Role, to Stage) bool {
	for _, st := range transitions[transitionKey{from, role}] {
		if st == to {
			return true
		}
	}
	return false
}

// RoleFor compares caller against the deal parties on normalized addresses.
func RoleFor(caller, buyer, seller string) Role {
	switch {
	case wallet.Equal(caller, buyer):
		return RoleBuyer
	case wallet.Equal(caller, seller):
		return RoleSeller
	default:
		return RoleNone
	}
}

func Strings(in []Stage) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// Priority is the urgency of the notification sent to the counterparty when
// a deal enters s.
func Priority(s Stage) notify.Priority {
	switch s {
	case Disputed:
		return notify.PriorityCritical
	case EscrowPending, EscrowFunded, Shipping, Delivered:
		return notify.PriorityHigh
	default:
		return notify.PriorityMedium
	}
}

type Message struct {
	Title string
	Body  string
}

var messages = map[Stage]Message{
	LOIPending:    {"Letter of intent sent", "The buyer has issued a letter of intent for deal %s."},
	LOISigned:     {"Letter of intent signed", "The letter of intent for deal %s has been signed."},
	EscrowPending: {"Escrow pending", "Deal %s is waiting for the buyer to fund escrow."},
	EscrowFunded:  {"Escrow funded", "Escrow for deal %s is funded. Production can start."},
	InProduction:  {"Production started", "The seller has started production for deal %s."},
	QualityCheck:  {"Ready for quality check", "Goods for deal %s are ready for inspection."},
	Shipping:      {"Goods shipped", "Goods for deal %s are on their way."},
	Delivered:     {"Goods delivered", "Goods for deal %s have been delivered. Please confirm receipt."},
	Completed:     {"Deal completed", "Deal %s has been completed."},
	Cancelled:     {"Deal cancelled", "Deal %s has been cancelled."},
	Disputed:      {"Dispute opened", "A dispute has been opened on deal %s."},
}

// MessageFor returns the notification template for entering s. Body contains
// one %s verb for the deal reference.
func MessageFor(s Stage) Message {
	if m, ok := messages[s]; ok {
		return m
	}
	return Message{Title: "Deal updated", Body: "Deal %s moved to " + string(s) + "."}
}
