package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().Unix()
	payloads := []any{
		&Handshake{PeerID: "node-1", Version: "1.0.0", ListenPort: 9000, Timestamp: now},
		&GossipMessage{MessageID: "g1", Kind: TypeOrderGossip, Payload: []byte(`{"order_id":"o1"}`), TTL: 5, OriginPeer: "node-1", Signature: []byte{7}, Timestamp: now},
		&OrderGossip{OrderID: "o1", PoolKey: "ETH_USDC_3000", EncryptedData: []byte{1, 2}, Commitment: "c1", Timestamp: now},
		&MatchingResult{MatchID: "m1", PoolKey: "ETH_USDC_3000", MatchedPrice: 2000, MatchedAmount: 100, Timestamp: now},
		&Ping{Nonce: 42, Timestamp: now},
		&Pong{Nonce: 42, OriginalTimestamp: now - 1, Timestamp: now},
		&PeerListRequest{MaxPeers: 10, Timestamp: now},
		&PeerListResponse{Peers: []string{"10.0.0.1:9000"}, Timestamp: now},
		&TaskAnnouncement{TaskIndex: 7, PoolKey: "ETH_USDC_3000", OrderCount: 3, Timestamp: now},
		&ProofShare{TaskIndex: 7, MatchID: "m1", Proof: []byte{9}, Timestamp: now},
		&SecureEnvelope{SenderID: "node-1", Ciphertext: []byte{1}, Signature: []byte{2}, Timestamp: now},
	}

	for _, payload := range payloads {
		frame, err := Encode(payload)
		require.NoError(t, err)

		_, decoded, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	}
}

func TestEncodeUnknownType(t *testing.T) {
	_, err := Encode(struct{ X int }{1})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"bogus","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
