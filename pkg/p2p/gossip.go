package p2p

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/log"
)

const (
	// Hop budget for freshly originated gossip.
	gossipInitialTTL = 5

	gossipCleanupInterval = 5 * time.Minute
	gossipCacheMaxAge     = time.Hour
)

var ErrGossipExpired = errors.New("gossip ttl exhausted")

// Signer produces and checks gossip signatures.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) bool
}

// HashSigner is a stand-in signer that tags messages with a SHA-256
// digest. It provides integrity, not authenticity; swap in a real BLS or
// ECDSA signer for production deployments.
type HashSigner struct{}

func (HashSigner) Sign(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

func (HashSigner) Verify(data, signature []byte) bool {
	sum := sha256.Sum256(data)
	if len(signature) != len(sum) {
		return false
	}
	for i := range sum {
		if sum[i] != signature[i] {
			return false
		}
	}
	return true
}

// Transport is the slice of the node the gossip protocol needs: who is
// reachable and how to send a frame.
type Transport interface {
	ActivePeerIDs() []string
	SendFrame(peerID string, frame []byte) error
}

// GossipStats counts protocol activity.
type GossipStats struct {
	Originated  uint64 `json:"originated"`
	Received    uint64 `json:"received"`
	Propagated  uint64 `json:"propagated"`
	Duplicates  uint64 `json:"duplicates"`
	TTLExpired  uint64 `json:"ttl_expired"`
	BadPayloads uint64 `json:"bad_payloads"`
	CacheSize   int    `json:"cache_size"`
}

// Gossip implements epidemic message propagation. Any wire payload can
// ride the relay envelope: orders, match results, task announcements and
// proof shares all spread the same way. Each node forwards a new message
// to roughly sqrt(n) of its active peers; duplicates are dropped via a
// seen-message cache.
type Gossip struct {
	nodeID    string
	signer    Signer
	transport Transport
	logger    log.Logger

	mu    sync.Mutex
	seen  map[string]time.Time
	stats GossipStats
}

// NewGossip creates the gossip protocol handler.
func NewGossip(nodeID string, signer Signer, transport Transport, logger log.Logger) *Gossip {
	return &Gossip{
		nodeID:    nodeID,
		signer:    signer,
		transport: transport,
		logger:    logger,
		seen:      make(map[string]time.Time),
	}
}

// Start runs the seen-cache cleanup loop until the context is cancelled.
func (g *Gossip) Start(ctx context.Context) {
	ticker := time.NewTicker(gossipCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanupCache()
		}
	}
}

// Broadcast originates gossip for any wire payload, signing it and
// fanning it out with a full hop budget. The message id is the
// deduplication key across the network.
func (g *Gossip) Broadcast(messageID string, payload any) error {
	msg, err := g.wrap(messageID, payload, gossipInitialTTL)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.seen[msg.MessageID] = time.Now()
	g.stats.Originated++
	g.mu.Unlock()

	return g.propagate(msg, "")
}

// BroadcastOrder originates gossip for an encrypted order, keyed by the
// order id so the same order relayed by different peers deduplicates.
func (g *Gossip) BroadcastOrder(orderID, poolKey string, encryptedData []byte, commitment string) error {
	return g.Broadcast(orderID, &OrderGossip{
		OrderID:       orderID,
		PoolKey:       poolKey,
		EncryptedData: encryptedData,
		Commitment:    commitment,
		Timestamp:     time.Now().Unix(),
	})
}

// wrap builds a signed relay envelope around a payload.
func (g *Gossip) wrap(messageID string, payload any, ttl int) (*GossipMessage, error) {
	kind, err := messageKind(payload)
	if err != nil {
		return nil, err
	}
	inner, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	msg := &GossipMessage{
		MessageID:  messageID,
		Kind:       kind,
		Payload:    inner,
		TTL:        ttl,
		OriginPeer: g.nodeID,
		Timestamp:  time.Now().Unix(),
	}
	sig, err := g.signer.Sign(gossipSigningBytes(msg))
	if err != nil {
		return nil, err
	}
	msg.Signature = sig
	return msg, nil
}

// HandleGossip processes an incoming gossip message. It returns the
// decoded inner payload when the message is new to this node; duplicates
// return nil, and exhausted or unverifiable messages return an error.
func (g *Gossip) HandleGossip(fromPeer string, msg *GossipMessage) (any, error) {
	g.mu.Lock()
	g.stats.Received++
	if _, dup := g.seen[msg.MessageID]; dup {
		g.stats.Duplicates++
		g.mu.Unlock()
		return nil, nil
	}
	if msg.TTL <= 0 {
		g.stats.TTLExpired++
		g.mu.Unlock()
		return nil, ErrGossipExpired
	}
	if !g.signer.Verify(gossipSigningBytes(msg), msg.Signature) {
		g.stats.BadPayloads++
		g.mu.Unlock()
		return nil, errors.New("gossip signature verification failed")
	}
	g.mu.Unlock()

	_, payload, err := Decode(msg.Payload)
	if err != nil {
		g.mu.Lock()
		g.stats.BadPayloads++
		g.mu.Unlock()
		return nil, err
	}

	g.mu.Lock()
	g.seen[msg.MessageID] = time.Now()
	g.mu.Unlock()

	// Forward with a decremented hop budget, never back to the sender.
	fwd := *msg
	fwd.TTL--
	if fwd.TTL > 0 {
		if err := g.propagate(&fwd, fromPeer); err != nil {
			g.logger.Warn("Gossip propagation failed", "message", msg.MessageID, "error", err)
		}
	}
	return payload, nil
}

// SendToPeer delivers a payload directly to a single peer with a single
// hop budget, bypassing fan-out selection.
func (g *Gossip) SendToPeer(peerID, messageID string, payload any) error {
	msg, err := g.wrap(messageID, payload, 1)
	if err != nil {
		return err
	}
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return g.transport.SendFrame(peerID, frame)
}

// propagate fans a message out to a random subset of active peers,
// excluding the peer it arrived from.
func (g *Gossip) propagate(msg *GossipMessage, excludePeer string) error {
	peers := g.transport.ActivePeerIDs()
	candidates := peers[:0:0]
	for _, id := range peers {
		if id != excludePeer && id != msg.OriginPeer {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Fan-out scales with the full peer count, bounded by the peers
	// actually eligible to receive this message.
	fanout := FanoutSize(len(peers))
	if fanout > len(candidates) {
		fanout = len(candidates)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	sent := 0
	for _, id := range candidates[:fanout] {
		if err := g.transport.SendFrame(id, frame); err != nil {
			g.logger.Debug("Gossip send failed", "peer", id, "error", err)
			continue
		}
		sent++
	}

	g.mu.Lock()
	g.stats.Propagated += uint64(sent)
	g.mu.Unlock()
	return nil
}

// FanoutSize returns the gossip fan-out for n active peers:
// ceil(sqrt(n)), clamped to [1, n].
func FanoutSize(n int) int {
	if n <= 0 {
		return 0
	}
	fanout := int(math.Ceil(math.Sqrt(float64(n))))
	if fanout < 1 {
		fanout = 1
	}
	if fanout > n {
		fanout = n
	}
	return fanout
}

// Seen reports whether a message id is in the duplicate cache.
func (g *Gossip) Seen(messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[messageID]
	return ok
}

// Stats returns a snapshot of protocol counters.
func (g *Gossip) Stats() GossipStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := g.stats
	stats.CacheSize = len(g.seen)
	return stats
}

// cleanupCache purges seen entries older than the cache retention.
func (g *Gossip) cleanupCache() {
	cutoff := time.Now().Add(-gossipCacheMaxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, id)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug("Gossip cache cleaned", "removed", removed, "remaining", len(g.seen))
	}
}

// gossipSigningBytes returns the canonical byte string covered by the
// gossip signature. TTL is excluded so the signature survives hops.
func gossipSigningBytes(msg *GossipMessage) []byte {
	signable := struct {
		MessageID  string          `json:"message_id"`
		Kind       string          `json:"kind"`
		Payload    json.RawMessage `json:"payload"`
		OriginPeer string          `json:"origin_peer"`
		Timestamp  int64           `json:"timestamp"`
	}{msg.MessageID, msg.Kind, msg.Payload, msg.OriginPeer, msg.Timestamp}
	data, _ := json.Marshal(signable)
	return data
}
