package book

import (
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func futureDeadline() int64 {
	return time.Now().Add(time.Hour).Unix()
}

func TestAddAndQueryBuyOrder(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	order := NewOrder("order_1", "trader_1", "ETH_USDC_3000", Buy, 100, 2000, futureDeadline())
	require.NoError(t, ob.Add(order))

	buys := ob.BuyOrders()
	require.Len(t, buys, 1)
	assert.Equal(t, "order_1", buys[0].ID)
	assert.Empty(t, ob.SellOrders())
}

func TestAddExpiredOrderRejected(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	order := NewOrder("stale", "trader_1", "ETH_USDC_3000", Buy, 100, 2000, time.Now().Add(-time.Minute).Unix())
	err := ob.Add(order)
	assert.ErrorIs(t, err, ErrOrderExpired)

	_, ok := ob.Get("stale")
	assert.False(t, ok)
	assert.Empty(t, ob.BuyOrders())
}

func TestBestBidAskSpread(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	require.NoError(t, ob.Add(NewOrder("buy_1", "trader_1", "ETH_USDC_3000", Buy, 100, 1999, futureDeadline())))
	require.NoError(t, ob.Add(NewOrder("sell_1", "trader_2", "ETH_USDC_3000", Sell, 100, 2001, futureDeadline())))

	bid, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, 1999.0, bid)

	ask, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 2001.0, ask)

	spread, ok := ob.Spread()
	require.True(t, ok)
	assert.Equal(t, 2.0, spread)
}

func TestBuyOrdersSortedPriceThenTime(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	base := time.Now().Unix()
	orders := []*Order{
		{ID: "a", Trader: "t1", PoolKey: "ETH_USDC_3000", Side: Buy, Amount: 1, Price: 1990, Status: StatusPending, Timestamp: base + 2, Deadline: futureDeadline()},
		{ID: "b", Trader: "t2", PoolKey: "ETH_USDC_3000", Side: Buy, Amount: 1, Price: 2000, Status: StatusPending, Timestamp: base + 1, Deadline: futureDeadline()},
		{ID: "c", Trader: "t3", PoolKey: "ETH_USDC_3000", Side: Buy, Amount: 1, Price: 2000, Status: StatusPending, Timestamp: base, Deadline: futureDeadline()},
	}
	for _, o := range orders {
		require.NoError(t, ob.Add(o))
	}

	got := ob.BuyOrders()
	require.Len(t, got, 3)
	// Highest price first; at equal price, earliest timestamp first.
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "a", got[2].ID)
}

func TestSellOrdersSortedAscending(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	require.NoError(t, ob.Add(NewOrder("s1", "t1", "ETH_USDC_3000", Sell, 1, 2010, futureDeadline())))
	require.NoError(t, ob.Add(NewOrder("s2", "t2", "ETH_USDC_3000", Sell, 1, 2005, futureDeadline())))

	got := ob.SellOrders()
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, "s1", got[1].ID)
}

func TestRemoveKeepsIndicesInAgreement(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	require.NoError(t, ob.Add(NewOrder("buy_1", "trader_1", "ETH_USDC_3000", Buy, 100, 1999, futureDeadline())))
	require.NoError(t, ob.Add(NewOrder("buy_2", "trader_2", "ETH_USDC_3000", Buy, 50, 1999, futureDeadline())))

	removed := ob.Remove("buy_1")
	require.NotNil(t, removed)
	assert.Equal(t, "buy_1", removed.ID)

	_, ok := ob.Get("buy_1")
	assert.False(t, ok)
	require.Len(t, ob.BuyOrders(), 1)

	// Removing the last order at the level drops the level entirely.
	ob.Remove("buy_2")
	_, ok = ob.BestBid()
	assert.False(t, ok)

	assert.Nil(t, ob.Remove("missing"))
}

func TestInactiveOrdersFilteredAtReadTime(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	active := NewOrder("active", "t1", "ETH_USDC_3000", Buy, 1, 2000, futureDeadline())
	cancelled := NewOrder("cancelled", "t2", "ETH_USDC_3000", Buy, 1, 2000, futureDeadline())
	require.NoError(t, ob.Add(active))
	require.NoError(t, ob.Add(cancelled))
	require.NoError(t, ob.UpdateStatus("cancelled", StatusCancelled))

	got := ob.BuyOrders()
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0].ID)

	// Cancelled order still sits in the id index until removed.
	_, ok := ob.Get("cancelled")
	assert.True(t, ok)
}

func TestCleanupExpired(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	soon := NewOrder("soon", "t1", "ETH_USDC_3000", Buy, 1, 2000, futureDeadline())
	require.NoError(t, ob.Add(soon))

	// Force the deadline into the past after insertion.
	past := NewOrder("past", "t2", "ETH_USDC_3000", Sell, 1, 2005, futureDeadline())
	require.NoError(t, ob.Add(past))
	past.Deadline = time.Now().Add(-time.Minute).Unix()

	expired := ob.CleanupExpired()
	require.Len(t, expired, 1)
	assert.Equal(t, "past", expired[0])
	assert.Equal(t, StatusExpired, past.Status)

	_, ok := ob.Get("past")
	assert.False(t, ok)
	_, ok = ob.Get("soon")
	assert.True(t, ok)
}

func TestOrdersByTrader(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	require.NoError(t, ob.Add(NewOrder("o1", "alice", "ETH_USDC_3000", Buy, 1, 2000, futureDeadline())))
	require.NoError(t, ob.Add(NewOrder("o2", "alice", "ETH_USDC_3000", Sell, 1, 2010, futureDeadline())))
	require.NoError(t, ob.Add(NewOrder("o3", "bob", "ETH_USDC_3000", Buy, 1, 1990, futureDeadline())))

	assert.Len(t, ob.OrdersByTrader("alice"), 2)
	assert.Len(t, ob.OrdersByTrader("bob"), 1)
	assert.Empty(t, ob.OrdersByTrader("carol"))
}

func TestGetStats(t *testing.T) {
	ob := NewOrderBook("ETH_USDC_3000", testLogger())

	require.NoError(t, ob.Add(NewOrder("b1", "t1", "ETH_USDC_3000", Buy, 100, 1999, futureDeadline())))
	require.NoError(t, ob.Add(NewOrder("s1", "t2", "ETH_USDC_3000", Sell, 100, 2001, futureDeadline())))

	stats := ob.GetStats()
	assert.Equal(t, "ETH_USDC_3000", stats.PoolKey)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.ActiveBuyOrders)
	assert.Equal(t, 1, stats.ActiveSellOrders)
	require.NotNil(t, stats.Spread)
	assert.Equal(t, 2.0, *stats.Spread)
}
