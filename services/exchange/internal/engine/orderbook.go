package engine

import (
	"container/heap"
	"container/list"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"
)

// Order is the matching view of a persisted order. Budget is only used by
// market buys: the quote still available to pay for fills.
type Order struct {
	ID        string
	Wallet    string
	Side      string
	Type      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	Budget    decimal.Decimal
	CreatedAt time.Time
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Fill is one maker/taker match at the maker's price.
type Fill struct {
	MakerOrderID string
	TakerOrderID string
	MakerWallet  string
	TakerWallet  string
	MakerSide    string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
}

// Level is an aggregated price level used for depth views.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// OrderBook holds the resting limit orders of one pair. It is built from a
// store snapshot for a single matching pass and is not safe for concurrent
// use; the caller serialises passes per pair.
type OrderBook struct {
	pair     string
	qtyScale int32
	buys     *bookSide
	sells    *bookSide
	orders   map[string]*orderRef
}

func NewOrderBook(pair string, qtyScale int32) *OrderBook {
	return &OrderBook{
		pair:     pair,
		qtyScale: qtyScale,
		buys:     newBookSide(true),
		sells:    newBookSide(false),
		orders:   make(map[string]*orderRef),
	}
}

func (ob *OrderBook) Pair() string {
	return ob.pair
}

func (ob *OrderBook) Len(side string) int {
	count := 0
	for _, ref := range ob.orders {
		if ref.side == side {
			count++
		}
	}
	return count
}

func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	return ob.buys.bestPrice()
}

func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	return ob.sells.bestPrice()
}

// AddOrder rests a limit order. Orders must be added in time priority order
// within a price level; market and fully filled orders are ignored.
func (ob *OrderBook) AddOrder(order *Order) error {
	if order == nil {
		return fmt.Errorf("order required")
	}
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order id required")
	}
	if _, exists := ob.orders[order.ID]; exists {
		return nil
	}
	if order.Type == TypeMarket || !order.Remaining().IsPositive() {
		return nil
	}

	switch order.Side {
	case SideBuy:
		ob.orders[order.ID] = ob.buys.add(order)
	case SideSell:
		ob.orders[order.ID] = ob.sells.add(order)
	default:
		return fmt.Errorf("invalid side %q", order.Side)
	}
	return nil
}

func (ob *OrderBook) RemoveOrder(orderID string) bool {
	ref, ok := ob.orders[orderID]
	if !ok {
		return false
	}
	ref.sideBook.remove(ref)
	delete(ob.orders, orderID)
	return true
}

// Levels returns up to n aggregated levels of side, best first.
func (ob *OrderBook) Levels(side string, n int) []Level {
	book := ob.buys
	if side == SideSell {
		book = ob.sells
	}
	levels := book.sorted()
	if n > 0 && len(levels) > n {
		levels = levels[:n]
	}
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		agg := Level{Price: lvl.price}
		for e := lvl.orders.Front(); e != nil; e = e.Next() {
			agg.Quantity = agg.Quantity.Add(e.Value.(*Order).Remaining())
			agg.Orders++
		}
		out = append(out, agg)
	}
	return out
}

type orderRef struct {
	order    *Order
	element  *list.Element
	level    *priceLevel
	side     string
	sideBook *bookSide
}

type priceLevel struct {
	price  decimal.Decimal
	key    string
	orders *list.List
	index  int
}

type bookSide struct {
	side   string
	levels map[string]*priceLevel
	heap   priceHeap
}

func newBookSide(isBuy bool) *bookSide {
	side := SideSell
	if isBuy {
		side = SideBuy
	}
	s := &bookSide{
		side:   side,
		levels: make(map[string]*priceLevel),
		heap:   priceHeap{isMax: isBuy},
	}
	heap.Init(&s.heap)
	return s
}

func (s *bookSide) add(order *Order) *orderRef {
	key := order.Price.String()
	level := s.levels[key]
	if level == nil {
		level = &priceLevel{price: order.Price, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	element := level.orders.PushBack(order)
	return &orderRef{order: order, element: element, level: level, side: s.side, sideBook: s}
}

func (s *bookSide) remove(ref *orderRef) {
	if ref == nil || ref.level == nil || ref.element == nil {
		return
	}
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
}

func (s *bookSide) best() *priceLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

func (s *bookSide) bestPrice() (decimal.Decimal, bool) {
	lvl := s.best()
	if lvl == nil {
		return decimal.Zero, false
	}
	return lvl.price, true
}

func (s *bookSide) sorted() []*priceLevel {
	levels := make([]*priceLevel, len(s.heap.levels))
	copy(levels, s.heap.levels)
	sort.Slice(levels, func(i, j int) bool { return s.heap.before(levels[i], levels[j]) })
	return levels
}

type priceHeap struct {
	levels []*priceLevel
	isMax  bool
}

func (h priceHeap) before(a, b *priceLevel) bool {
	cmp := a.price.Cmp(b.price)
	if h.isMax {
		return cmp > 0
	}
	return cmp < 0
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	return h.before(h.levels[i], h.levels[j])
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x any) {
	level := x.(*priceLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *priceHeap) Pop() any {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}
