// Package feed publishes match and status events to NATS for off-node
// consumers such as dashboards and settlement indexers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/eigenvault/operator/pkg/matching"
)

const (
	subjectMatchPrefix = "vault.matches."
	subjectAnnounce    = "vault.announce"

	heartbeatInterval = 10 * time.Second
)

// MatchEvent is the published view of a match. Trader identities are
// stripped; subscribers see only the cleared terms.
type MatchEvent struct {
	MatchID       string  `json:"match_id"`
	PoolKey       string  `json:"pool_key"`
	MatchedPrice  float64 `json:"matched_price"`
	MatchedAmount float64 `json:"matched_amount"`
	Timestamp     int64   `json:"timestamp"`
}

// Announcement is the periodic operator heartbeat.
type Announcement struct {
	OperatorID  string `json:"operator_id"`
	ActivePeers int    `json:"active_peers"`
	Matches     uint64 `json:"matches"`
	Timestamp   int64  `json:"timestamp"`
}

// Publisher publishes operator events to NATS. A nil Publisher is safe
// to call; every method becomes a no-op, which keeps call sites clean
// when the feed is disabled.
type Publisher struct {
	nc         *nats.Conn
	operatorID string
	logger     log.Logger

	published uint64
}

// Connect dials the NATS server and returns a publisher.
func Connect(url, operatorID string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("Feed connected", "url", url)
	return &Publisher{nc: nc, operatorID: operatorID, logger: logger}, nil
}

// PublishMatch emits a match event on the pool's subject.
func (p *Publisher) PublishMatch(match *matching.OrderMatch) error {
	if p == nil {
		return nil
	}
	event := MatchEvent{
		MatchID:       match.MatchID,
		PoolKey:       match.PoolKey,
		MatchedPrice:  match.MatchedPrice,
		MatchedAmount: match.MatchedAmount,
		Timestamp:     match.Timestamp,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(subjectMatchPrefix+match.PoolKey, data); err != nil {
		return fmt.Errorf("publish match %s: %w", match.MatchID, err)
	}
	p.published++
	return nil
}

// Announce emits one heartbeat.
func (p *Publisher) Announce(activePeers int) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(Announcement{
		OperatorID:  p.operatorID,
		ActivePeers: activePeers,
		Matches:     p.published,
		Timestamp:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return p.nc.Publish(subjectAnnounce, data)
}

// RunHeartbeat announces periodically until the context is cancelled.
// peerCount is sampled on every beat.
func (p *Publisher) RunHeartbeat(ctx context.Context, peerCount func() int) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Announce(peerCount()); err != nil {
				p.logger.Warn("Heartbeat publish failed", "error", err)
			}
		}
	}
}

// Published returns the number of match events published.
func (p *Publisher) Published() uint64 {
	if p == nil {
		return 0
	}
	return p.published
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
}
