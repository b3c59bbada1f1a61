package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Match runs one price-time priority pass of incoming against the book.
// Fills happen at the maker's price. A limit remainder rests on the book;
// a market remainder does not. A market buy with a positive Budget stops
// once the budget cannot pay for the next fill.
func (ob *OrderBook) Match(incoming *Order) ([]Fill, error) {
	if err := validate(incoming); err != nil {
		return nil, err
	}

	opposite := ob.sells
	if incoming.Side == SideSell {
		opposite = ob.buys
	}
	budgeted := incoming.Type == TypeMarket && incoming.Side == SideBuy && incoming.Budget.IsPositive()

	fills := make([]Fill, 0)
	for incoming.Remaining().IsPositive() {
		best := opposite.best()
		if best == nil || !crosses(incoming, best.price) {
			break
		}

		makerElem := best.orders.Front()
		maker := makerElem.Value.(*Order)
		makerRemaining := maker.Remaining()
		if !makerRemaining.IsPositive() {
			ob.RemoveOrder(maker.ID)
			continue
		}

		qty := decimal.Min(incoming.Remaining(), makerRemaining)
		if budgeted {
			affordable := incoming.Budget.Div(best.price).Truncate(ob.qtyScale)
			qty = decimal.Min(qty, affordable)
			if !qty.IsPositive() {
				break
			}
			incoming.Budget = incoming.Budget.Sub(qty.Mul(best.price))
		}

		maker.Filled = maker.Filled.Add(qty)
		incoming.Filled = incoming.Filled.Add(qty)
		fills = append(fills, Fill{
			MakerOrderID: maker.ID,
			TakerOrderID: incoming.ID,
			MakerWallet:  maker.Wallet,
			TakerWallet:  incoming.Wallet,
			MakerSide:    maker.Side,
			Price:        best.price,
			Quantity:     qty,
		})

		if !maker.Remaining().IsPositive() {
			ob.RemoveOrder(maker.ID)
		}
	}

	if incoming.Type == TypeLimit && incoming.Remaining().IsPositive() {
		if err := ob.AddOrder(incoming); err != nil {
			return fills, err
		}
	}
	return fills, nil
}

func crosses(incoming *Order, makerPrice decimal.Decimal) bool {
	if incoming.Type == TypeMarket {
		return true
	}
	if incoming.Side == SideBuy {
		return makerPrice.Cmp(incoming.Price) <= 0
	}
	return makerPrice.Cmp(incoming.Price) >= 0
}

func validate(order *Order) error {
	if order == nil {
		return fmt.Errorf("order required")
	}
	if order.ID == "" {
		return fmt.Errorf("order id required")
	}
	if order.Side != SideBuy && order.Side != SideSell {
		return fmt.Errorf("invalid side %q", order.Side)
	}
	if order.Type != TypeLimit && order.Type != TypeMarket {
		return fmt.Errorf("invalid type %q", order.Type)
	}
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if order.Type == TypeLimit && !order.Price.IsPositive() {
		return fmt.Errorf("price must be positive for limit orders")
	}
	return nil
}
