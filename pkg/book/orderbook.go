package book

import (
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// OrderBook holds the resting orders for a single pool. Buy and sell sides
// are independent price-level maps with a sorted price index; orders at a
// level are kept in time order. The id index and the price levels always
// move together under the same write lock.
//
// Expired or inactive orders are filtered at read time rather than eagerly
// pruned; CleanupExpired is the only scheduled pruning step.
type OrderBook struct {
	PoolKey string

	mu         sync.RWMutex
	buyLevels  map[float64][]*Order
	sellLevels map[float64][]*Order
	buyPrices  []float64 // sorted descending
	sellPrices []float64 // sorted ascending
	byID       map[string]*Order

	totalOrders int // diagnostic count, not an invariant of the levels

	logger log.Logger
}

// NewOrderBook creates an empty book for the given pool.
func NewOrderBook(poolKey string, logger log.Logger) *OrderBook {
	return &OrderBook{
		PoolKey:    poolKey,
		buyLevels:  make(map[float64][]*Order),
		sellLevels: make(map[float64][]*Order),
		byID:       make(map[string]*Order),
		logger:     logger,
	}
}

// Add inserts an order into the book. Already-expired orders are rejected
// with ErrOrderExpired.
func (b *OrderBook) Add(order *Order) error {
	if order.IsExpired() {
		return ErrOrderExpired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if order.Side == Buy {
		if _, ok := b.buyLevels[order.Price]; !ok {
			b.buyPrices = insertPrice(b.buyPrices, order.Price, true)
		}
		b.buyLevels[order.Price] = insertByTime(b.buyLevels[order.Price], order)
	} else {
		if _, ok := b.sellLevels[order.Price]; !ok {
			b.sellPrices = insertPrice(b.sellPrices, order.Price, false)
		}
		b.sellLevels[order.Price] = insertByTime(b.sellLevels[order.Price], order)
	}

	b.byID[order.ID] = order
	b.totalOrders++

	b.logger.Debug("Order added to book", "pool", b.PoolKey, "order", order.ID, "total", b.totalOrders)
	return nil
}

// Remove deletes an order from both indices and returns it, or nil if the
// id is unknown.
func (b *OrderBook) Remove(orderID string) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *OrderBook) removeLocked(orderID string) *Order {
	order, ok := b.byID[orderID]
	if !ok {
		return nil
	}
	delete(b.byID, orderID)

	levels := b.sellLevels
	if order.Side == Buy {
		levels = b.buyLevels
	}

	remaining := levels[order.Price][:0]
	for _, o := range levels[order.Price] {
		if o.ID != orderID {
			remaining = append(remaining, o)
		}
	}
	if len(remaining) == 0 {
		delete(levels, order.Price)
		if order.Side == Buy {
			b.buyPrices = deletePrice(b.buyPrices, order.Price)
		} else {
			b.sellPrices = deletePrice(b.sellPrices, order.Price)
		}
	} else {
		levels[order.Price] = remaining
	}

	if b.totalOrders > 0 {
		b.totalOrders--
	}
	return order
}

// BuyOrders returns all active buy orders, best price first and earliest
// timestamp first within a level.
func (b *OrderBook) BuyOrders() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Order, 0, len(b.byID))
	for _, price := range b.buyPrices {
		for _, o := range b.buyLevels[price] {
			if o.IsActive() {
				out = append(out, o)
			}
		}
	}
	return out
}

// SellOrders returns all active sell orders, best price first and earliest
// timestamp first within a level.
func (b *OrderBook) SellOrders() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Order, 0, len(b.byID))
	for _, price := range b.sellPrices {
		for _, o := range b.sellLevels[price] {
			if o.IsActive() {
				out = append(out, o)
			}
		}
	}
	return out
}

// BestBid returns the highest buy price, if any.
func (b *OrderBook) BestBid() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.buyPrices) == 0 {
		return 0, false
	}
	return b.buyPrices[0], true
}

// BestAsk returns the lowest sell price, if any.
func (b *OrderBook) BestAsk() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.sellPrices) == 0 {
		return 0, false
	}
	return b.sellPrices[0], true
}

// Spread returns ask minus bid when both sides are populated.
func (b *OrderBook) Spread() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask - bid, true
}

// Get looks up an order by id.
func (b *OrderBook) Get(orderID string) (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[orderID]
	return o, ok
}

// OrdersByTrader returns the trader's active orders in no particular order.
func (b *OrderBook) OrdersByTrader(trader string) []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Order
	for _, o := range b.byID {
		if o.Trader == trader && o.IsActive() {
			out = append(out, o)
		}
	}
	return out
}

// UpdateStatus sets the status of an order by id.
func (b *OrderBook) UpdateStatus(orderID string, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	return nil
}

// CleanupExpired removes every order past its deadline, marks it expired
// and returns the removed ids. The owner is expected to call this
// periodically.
func (b *OrderBook) CleanupExpired() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().Unix()
	var expired []string
	for id, o := range b.byID {
		if o.Deadline <= now && (o.Status == StatusPending || o.Status == StatusPartiallyFilled) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		if o := b.removeLocked(id); o != nil {
			o.Status = StatusExpired
		}
	}

	if len(expired) > 0 {
		b.logger.Info("Cleaned up expired orders", "pool", b.PoolKey, "count", len(expired))
	}
	return expired
}

// Stats summarizes the book for diagnostics.
type Stats struct {
	PoolKey          string   `json:"pool_key"`
	TotalOrders      int      `json:"total_orders"`
	ActiveBuyOrders  int      `json:"active_buy_orders"`
	ActiveSellOrders int      `json:"active_sell_orders"`
	BestBid          *float64 `json:"best_bid,omitempty"`
	BestAsk          *float64 `json:"best_ask,omitempty"`
	Spread           *float64 `json:"spread,omitempty"`
}

// GetStats returns a snapshot of book depth and extremal prices.
func (b *OrderBook) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{PoolKey: b.PoolKey, TotalOrders: b.totalOrders}
	for _, levels := range b.buyLevels {
		for _, o := range levels {
			if o.IsActive() {
				stats.ActiveBuyOrders++
			}
		}
	}
	for _, levels := range b.sellLevels {
		for _, o := range levels {
			if o.IsActive() {
				stats.ActiveSellOrders++
			}
		}
	}
	if len(b.buyPrices) > 0 {
		bid := b.buyPrices[0]
		stats.BestBid = &bid
	}
	if len(b.sellPrices) > 0 {
		ask := b.sellPrices[0]
		stats.BestAsk = &ask
	}
	if stats.BestBid != nil && stats.BestAsk != nil {
		spread := *stats.BestAsk - *stats.BestBid
		stats.Spread = &spread
	}
	return stats
}

// insertPrice adds a price into a sorted slice, descending for the buy side
// and ascending for the sell side.
func insertPrice(prices []float64, price float64, descending bool) []float64 {
	idx := sort.Search(len(prices), func(i int) bool {
		if descending {
			return prices[i] < price
		}
		return prices[i] > price
	})
	prices = append(prices, 0)
	copy(prices[idx+1:], prices[idx:])
	prices[idx] = price
	return prices
}

func deletePrice(prices []float64, price float64) []float64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

// insertByTime appends an order to a price level keeping earliest-first
// time order.
func insertByTime(level []*Order, order *Order) []*Order {
	idx := sort.Search(len(level), func(i int) bool {
		return level[i].Timestamp > order.Timestamp
	})
	level = append(level, nil)
	copy(level[idx+1:], level[idx:])
	level[idx] = order
	return level
}
