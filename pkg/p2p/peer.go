package p2p

import (
	"sync"
	"time"
)

// Peer connection lifecycle.
type PeerState string

const (
	PeerConnecting  PeerState = "connecting"
	PeerHandshaking PeerState = "handshaking"
	PeerActive      PeerState = "active"
	PeerInactive    PeerState = "inactive"
)

const (
	reputationMin     = 0
	reputationMax     = 10
	reputationInitial = 5
)

// PeerInfo tracks one remote operator.
type PeerInfo struct {
	mu sync.RWMutex

	ID              string
	Address         string
	OperatorAddress string
	State           PeerState
	Reputation      int
	ConnectedAt     time.Time
	LastSeen        time.Time
	Inbound         bool
}

// NewPeerInfo creates a peer record in the connecting state with neutral
// reputation.
func NewPeerInfo(id, address string, inbound bool) *PeerInfo {
	now := time.Now()
	return &PeerInfo{
		ID:          id,
		Address:     address,
		State:       PeerConnecting,
		Reputation:  reputationInitial,
		ConnectedAt: now,
		LastSeen:    now,
		Inbound:     inbound,
	}
}

// SetState transitions the peer's lifecycle state.
func (p *PeerInfo) SetState(state PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = state
}

// GetState returns the current lifecycle state.
func (p *PeerInfo) GetState() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State
}

// Touch records activity on the connection.
func (p *PeerInfo) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeen = time.Now()
}

// IdleFor reports how long the peer has been silent.
func (p *PeerInfo) IdleFor() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.LastSeen)
}

// AdjustReputation moves the peer's score by delta, clamped to the
// [0, 10] band.
func (p *PeerInfo) AdjustReputation(delta int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reputation += delta
	if p.Reputation < reputationMin {
		p.Reputation = reputationMin
	}
	if p.Reputation > reputationMax {
		p.Reputation = reputationMax
	}
	return p.Reputation
}

// GetReputation returns the current score.
func (p *PeerInfo) GetReputation() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Reputation
}
