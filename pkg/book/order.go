// Package book implements the per-pool limit order book used by the
// matching engine. The book is a pure data structure: it never triggers
// matching on its own and expects its owner to drive expiry cleanup.
package book

import (
	"errors"
	"time"
)

// Side identifies the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status tracks the lifecycle of an order.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Errors
var (
	ErrOrderExpired  = errors.New("order already expired")
	ErrOrderNotFound = errors.New("order not found")
)

// Order is a decrypted limit order resting in (or destined for) a book.
// Price is denominated in the pool's quote asset. Timestamp and Deadline
// are unix seconds.
type Order struct {
	ID        string  `json:"id"`
	Trader    string  `json:"trader"`
	PoolKey   string  `json:"pool_key"`
	Side      Side    `json:"side"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
	Status    Status  `json:"status"`
	Timestamp int64   `json:"timestamp"`
	Deadline  int64   `json:"deadline"`
}

// NewOrder creates a pending order stamped with the current time.
func NewOrder(id, trader, poolKey string, side Side, amount, price float64, deadline int64) *Order {
	return &Order{
		ID:        id,
		Trader:    trader,
		PoolKey:   poolKey,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Status:    StatusPending,
		Timestamp: time.Now().Unix(),
		Deadline:  deadline,
	}
}

// IsExpired reports whether the order's deadline has passed.
func (o *Order) IsExpired() bool {
	return time.Now().Unix() > o.Deadline
}

// IsActive reports whether the order may still rest in a book or match.
// Active means pending or partially filled, and not past its deadline.
func (o *Order) IsActive() bool {
	return (o.Status == StatusPending || o.Status == StatusPartiallyFilled) && !o.IsExpired()
}
