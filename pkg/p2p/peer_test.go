package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeerLifecycle(t *testing.T) {
	p := NewPeerInfo("peer-1", "10.0.0.1:9000", false)
	assert.Equal(t, PeerConnecting, p.GetState())

	p.SetState(PeerHandshaking)
	p.SetState(PeerActive)
	assert.Equal(t, PeerActive, p.GetState())
}

func TestReputationClamped(t *testing.T) {
	p := NewPeerInfo("peer-1", "10.0.0.1:9000", true)
	assert.Equal(t, reputationInitial, p.GetReputation())

	for i := 0; i < 20; i++ {
		p.AdjustReputation(1)
	}
	assert.Equal(t, reputationMax, p.GetReputation())

	for i := 0; i < 40; i++ {
		p.AdjustReputation(-1)
	}
	assert.Equal(t, reputationMin, p.GetReputation())
}

func TestTouchResetsIdle(t *testing.T) {
	p := NewPeerInfo("peer-1", "10.0.0.1:9000", false)
	p.LastSeen = time.Now().Add(-time.Minute)
	assert.Greater(t, p.IdleFor(), 50*time.Second)

	p.Touch()
	assert.Less(t, p.IdleFor(), time.Second)
}
