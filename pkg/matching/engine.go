// Package matching runs the operator's private matching engine: encrypted
// orders accumulate in a pending set, and a periodic tick groups them per
// pool, runs the pairing pass and emits matches for proof generation.
package matching

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"

	"github.com/eigenvault/operator/pkg/book"
	"github.com/eigenvault/operator/pkg/config"
	"github.com/eigenvault/operator/pkg/privacy"
)

// recentMatchCap bounds the in-memory match history ring.
const recentMatchCap = 100

var ErrInvalidOrder = errors.New("invalid order payload")

// OrderMatch is an immutable pairing of a buy and a sell order.
type OrderMatch struct {
	MatchID       string      `json:"match_id"`
	BuyOrder      *book.Order `json:"buy_order"`
	SellOrder     *book.Order `json:"sell_order"`
	MatchedPrice  float64     `json:"matched_price"`
	MatchedAmount float64     `json:"matched_amount"`
	PoolKey       string      `json:"pool_key"`
	Timestamp     int64       `json:"timestamp"`
}

// Stats summarizes recent engine activity.
type Stats struct {
	RecentMatches   int     `json:"recent_matches"`
	PendingOrders   int     `json:"pending_orders"`
	TotalVolume     float64 `json:"total_volume"`
	AveragePrice    float64 `json:"average_price"`
	UnmatchedOrders int     `json:"unmatched_orders"`
}

// Engine owns the pending order set and the recent match ring. The tick
// entry point ProcessPendingOrders never runs concurrently with itself;
// the engine's locks only protect against concurrent intake.
type Engine struct {
	cfg    config.MatchingConfig
	crypto *privacy.Manager
	logger log.Logger

	mu      sync.RWMutex
	pending []*privacy.DecryptedOrder

	matchMu sync.RWMutex
	recent  []*OrderMatch
}

// NewEngine creates a matching engine using the given privacy manager for
// order decryption.
func NewEngine(cfg config.MatchingConfig, crypto *privacy.Manager, logger log.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		crypto: crypto,
		logger: logger,
	}
}

// AddEncryptedOrder decrypts an incoming order and appends it to the
// pending set. It never triggers matching. A pending set above the
// configured cap is logged, not rejected.
func (e *Engine) AddEncryptedOrder(orderID string, encryptedData []byte) error {
	decrypted, err := e.crypto.DecryptOrder(orderID, encryptedData)
	if err != nil {
		return err
	}
	if err := validateOrder(decrypted); err != nil {
		return err
	}
	e.AddDecryptedOrder(decrypted)
	return nil
}

// AddDecryptedOrder appends an already-decrypted order to the pending set.
func (e *Engine) AddDecryptedOrder(order *privacy.DecryptedOrder) {
	e.mu.Lock()
	e.pending = append(e.pending, order)
	count := len(e.pending)
	e.mu.Unlock()

	e.logger.Debug("Order queued for matching", "order", order.ID, "pool", order.PoolKey, "pending", count)
	if count > e.cfg.MaxPendingOrders {
		e.logger.Warn("Pending order set above configured cap", "pending", count, "cap", e.cfg.MaxPendingOrders)
	}
}

func validateOrder(o *privacy.DecryptedOrder) error {
	if o.PoolKey == "" || o.Trader == "" {
		return ErrInvalidOrder
	}
	if o.Amount <= 0 || o.Price <= 0 {
		return ErrInvalidOrder
	}
	if o.Side != book.Buy && o.Side != book.Sell {
		return ErrInvalidOrder
	}
	return nil
}

// ProcessPendingOrders is the matching tick: it partitions pending orders
// by pool, runs the per-pool pass and removes matched orders from the
// pending set. Unmatched orders stay pending for the next tick.
func (e *Engine) ProcessPendingOrders() []*OrderMatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return nil
	}

	// Pool -> pending indices.
	pools := make(map[string][]int)
	for idx, order := range e.pending {
		pools[order.PoolKey] = append(pools[order.PoolKey], idx)
	}

	var allMatches []*OrderMatch
	matchedIdx := make(map[int]struct{})

	for poolKey, indices := range pools {
		if len(indices) < 2 {
			continue
		}

		poolBook := book.NewOrderBook(poolKey, e.logger)
		now := time.Now().Unix()
		for _, idx := range indices {
			if err := poolBook.Add(e.pending[idx].Order(now)); err != nil {
				e.logger.Warn("Dropping order from matching pass", "order", e.pending[idx].ID, "error", err)
			}
		}

		matches := e.matchPool(poolBook)
		for _, m := range matches {
			for _, idx := range indices {
				if e.pending[idx].ID == m.BuyOrder.ID || e.pending[idx].ID == m.SellOrder.ID {
					matchedIdx[idx] = struct{}{}
				}
			}
		}
		allMatches = append(allMatches, matches...)
	}

	// Remove matched orders in descending index order so earlier indices
	// stay valid.
	removed := make([]int, 0, len(matchedIdx))
	for idx := range matchedIdx {
		removed = append(removed, idx)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(removed)))
	for _, idx := range removed {
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	}

	if len(allMatches) > 0 {
		e.logger.Info("Matching tick complete", "matches", len(allMatches), "pending", len(e.pending))
		e.recordMatches(allMatches)
	}
	return allMatches
}

// FindMatches runs the pairing pass over a task batch without touching
// the pending set.
func (e *Engine) FindMatches(orders []*privacy.DecryptedOrder) []*OrderMatch {
	if len(orders) < 2 {
		return nil
	}

	pools := make(map[string][]*privacy.DecryptedOrder)
	for _, o := range orders {
		pools[o.PoolKey] = append(pools[o.PoolKey], o)
	}

	var allMatches []*OrderMatch
	now := time.Now().Unix()
	for poolKey, poolOrders := range pools {
		if len(poolOrders) < 2 {
			continue
		}
		poolBook := book.NewOrderBook(poolKey, e.logger)
		for _, o := range poolOrders {
			if err := poolBook.Add(o.Order(now)); err != nil {
				e.logger.Warn("Dropping order from task batch", "order", o.ID, "error", err)
			}
		}
		allMatches = append(allMatches, e.matchPool(poolBook)...)
	}

	if len(allMatches) > 0 {
		e.recordMatches(allMatches)
	}
	return allMatches
}

// matchPool pairs crossing orders within one pool. The scan is exhaustive
// over all (buy, sell) combinations, not a price-time priority walk: every
// crossing pair with distinct traders produces a match.
func (e *Engine) matchPool(poolBook *book.OrderBook) []*OrderMatch {
	buys := poolBook.BuyOrders()
	sells := poolBook.SellOrders()
	if len(buys) == 0 || len(sells) == 0 {
		return nil
	}

	now := time.Now().Unix()
	var matches []*OrderMatch
	for _, buy := range buys {
		for _, sell := range sells {
			if !canMatch(buy, sell, now) {
				continue
			}
			m := &OrderMatch{
				MatchID:       uuid.NewString(),
				BuyOrder:      buy,
				SellOrder:     sell,
				MatchedPrice:  (buy.Price + sell.Price) / 2, // mid-point pricing
				MatchedAmount: minAmount(buy.Amount, sell.Amount),
				PoolKey:       buy.PoolKey,
				Timestamp:     now,
			}
			matches = append(matches, m)
			e.logger.Info("Found match", "pool", m.PoolKey, "amount", m.MatchedAmount, "price", m.MatchedPrice)
		}
	}
	return matches
}

func canMatch(buy, sell *book.Order, now int64) bool {
	return buy.PoolKey == sell.PoolKey &&
		buy.Price >= sell.Price &&
		buy.Status == book.StatusPending &&
		sell.Status == book.StatusPending &&
		buy.Trader != sell.Trader &&
		buy.Deadline > now &&
		sell.Deadline > now
}

func minAmount(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// recordMatches appends to the ring, evicting the oldest beyond capacity.
func (e *Engine) recordMatches(matches []*OrderMatch) {
	e.matchMu.Lock()
	defer e.matchMu.Unlock()

	e.recent = append(e.recent, matches...)
	if overflow := len(e.recent) - recentMatchCap; overflow > 0 {
		e.recent = append([]*OrderMatch(nil), e.recent[overflow:]...)
	}
}

// CleanupExpired drops pending orders whose deadline has passed and
// returns how many were removed.
func (e *Engine) CleanupExpired() int {
	now := time.Now().Unix()
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.pending[:0]
	removed := 0
	for _, order := range e.pending {
		if order.Deadline <= now {
			removed++
			continue
		}
		kept = append(kept, order)
	}
	e.pending = kept

	if removed > 0 {
		e.logger.Info("Expired pending orders removed", "removed", removed, "pending", len(e.pending))
	}
	return removed
}

// RecentMatches returns a copy of the match history ring, oldest first.
func (e *Engine) RecentMatches() []*OrderMatch {
	e.matchMu.RLock()
	defer e.matchMu.RUnlock()
	return append([]*OrderMatch(nil), e.recent...)
}

// PendingCount returns the size of the pending set.
func (e *Engine) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

// GetStats summarizes recent matching activity.
func (e *Engine) GetStats() Stats {
	e.matchMu.RLock()
	recent := append([]*OrderMatch(nil), e.recent...)
	e.matchMu.RUnlock()

	stats := Stats{
		RecentMatches:   len(recent),
		PendingOrders:   e.PendingCount(),
		UnmatchedOrders: e.PendingCount(),
	}
	var priceSum float64
	for _, m := range recent {
		stats.TotalVolume += m.MatchedAmount
		priceSum += m.MatchedPrice
	}
	if len(recent) > 0 {
		stats.AveragePrice = priceSum / float64(len(recent))
	}
	return stats
}

// HealthCheck reports engine responsiveness; a pending set above the cap
// is logged but not an error.
func (e *Engine) HealthCheck() error {
	pending := e.PendingCount()
	if pending > e.cfg.MaxPendingOrders {
		e.logger.Warn("High number of pending orders", "pending", pending)
	}
	return nil
}
