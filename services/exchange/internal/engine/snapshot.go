package engine

import "fmt"

// FromSnapshot builds a book from resting orders already sorted in time
// priority. The store returns them ordered by price, creation time and id,
// so insertion order within a price level is the tie-break.
func FromSnapshot(pair string, qtyScale int32, resting []*Order) (*OrderBook, error) {
	book := NewOrderBook(pair, qtyScale)
	for _, order := range resting {
		if order == nil {
			continue
		}
		if err := book.AddOrder(order); err != nil {
			return nil, fmt.Errorf("load order %s: %w", order.ID, err)
		}
	}
	return book, nil
}
