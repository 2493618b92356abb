package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigenvault/operator/pkg/book"
	"github.com/eigenvault/operator/pkg/matching"
	"github.com/eigenvault/operator/pkg/proofs"
)

// memKV is an in-memory KV for tests.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Put(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Get(key []byte) ([]byte, error) {
	value, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return value, nil
}

func (m *memKV) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memKV) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func testStore() *Store {
	level, _ := log.ToLevel("error")
	return New(newMemKV(), log.NewTestLogger(level))
}

func sampleMatch(id string) *matching.OrderMatch {
	deadline := time.Now().Add(time.Hour).Unix()
	return &matching.OrderMatch{
		MatchID:       id,
		BuyOrder:      book.NewOrder("b_"+id, "0xalice", "ETH_USDC_3000", book.Buy, 100, 2001, deadline),
		SellOrder:     book.NewOrder("s_"+id, "0xbob", "ETH_USDC_3000", book.Sell, 100, 1999, deadline),
		MatchedPrice:  2000,
		MatchedAmount: 100,
		PoolKey:       "ETH_USDC_3000",
		Timestamp:     time.Now().Unix(),
	}
}

func TestMatchRoundTrip(t *testing.T) {
	s := testStore()
	match := sampleMatch("m1")
	require.NoError(t, s.PutMatch(match))

	loaded, err := s.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, match.MatchID, loaded.MatchID)
	assert.Equal(t, match.MatchedPrice, loaded.MatchedPrice)
	assert.Equal(t, match.BuyOrder.ID, loaded.BuyOrder.ID)

	_, err = s.GetMatch("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentMatchesOrderedAndCapped(t *testing.T) {
	s := testStore()
	for i := 0; i < recentIndexCap+10; i++ {
		require.NoError(t, s.PutMatch(sampleMatch(fmt.Sprintf("m%d", i))))
	}

	recent, err := s.RecentMatches(0)
	require.NoError(t, err)
	assert.Len(t, recent, recentIndexCap)
	assert.Equal(t, "m10", recent[0].MatchID)
	assert.Equal(t, fmt.Sprintf("m%d", recentIndexCap+9), recent[len(recent)-1].MatchID)

	limited, err := s.RecentMatches(5)
	require.NoError(t, err)
	assert.Len(t, limited, 5)
	assert.Equal(t, fmt.Sprintf("m%d", recentIndexCap+9), limited[4].MatchID)
}

func TestRecentMatchesEmpty(t *testing.T) {
	s := testStore()
	recent, err := s.RecentMatches(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestProofRoundTrip(t *testing.T) {
	s := testStore()
	proof := &proofs.Proof{
		MatchID:      "m1",
		PoolKey:      "ETH_USDC_3000",
		PublicInputs: []byte(`{"x":1}`),
		ProofData:    []byte{1, 2, 3},
		GeneratedAt:  time.Now().Unix(),
	}
	require.NoError(t, s.PutProof(proof))

	loaded, err := s.GetProof("m1")
	require.NoError(t, err)
	assert.Equal(t, proof.ProofData, loaded.ProofData)

	_, err = s.GetProof("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptedOrderBlobs(t *testing.T) {
	s := testStore()
	require.NoError(t, s.PutEncryptedOrder("o1", []byte{9, 9}))

	ok, err := s.HasOrder("o1")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.GetEncryptedOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, data)

	ok, err = s.HasOrder("o2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorRoundTrip(t *testing.T) {
	s := testStore()

	v, err := s.LoadCursor("chain_block")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, s.SaveCursor("chain_block", 123456789))
	v, err = s.LoadCursor("chain_block")
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), v)
}
