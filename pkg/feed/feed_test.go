package feed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigenvault/operator/pkg/matching"
)

func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher

	assert.NoError(t, p.PublishMatch(&matching.OrderMatch{MatchID: "m1"}))
	assert.NoError(t, p.Announce(3))
	assert.Equal(t, uint64(0), p.Published())
	p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Returns immediately for a nil publisher.
	p.RunHeartbeat(ctx, func() int { return 0 })
}

func TestMatchEventHidesTraders(t *testing.T) {
	event := MatchEvent{
		MatchID:       "m1",
		PoolKey:       "ETH_USDC_3000",
		MatchedPrice:  2000,
		MatchedAmount: 100,
		Timestamp:     1700000000,
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "trader")
	assert.NotContains(t, decoded, "buy_order")
	assert.Equal(t, "ETH_USDC_3000", decoded["pool_key"])
}

func TestConnectBadURL(t *testing.T) {
	// RetryOnFailedConnect defers the dial, so an unparseable URL is
	// the reliable way to observe a synchronous failure.
	_, err := Connect("://bad", "op-1", nil)
	assert.Error(t, err)
}
