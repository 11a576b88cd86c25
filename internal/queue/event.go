// Package queue defines message payloads exchanged over the message broker.
package queue

// SalesQueueName is the durable queue carrying SeatsSoldEvent messages.
const SalesQueueName = "seats.sold"

// SeatsSoldEvent is published after a buyer's seats are committed as sold.
// It carries enough information for downstream consumers to log, notify or
// trigger fulfilment without reading the seat store.
type SeatsSoldEvent struct {
	EventID    string   `json:"event_id"`
	BuyerID    string   `json:"buyer_id"`
	SeatIDs    []string `json:"seats"`
	TotalPrice int64    `json:"total_price_cents"`
	SoldAt     string   `json:"sold_at"`
}
