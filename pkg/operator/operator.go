// Package operator wires the node together: chain polling, gossip
// intake, the matching tick, proof submission and the outbound feed all
// run as supervised goroutines owned by the Operator.
package operator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/eigenvault/operator/pkg/chain"
	"github.com/eigenvault/operator/pkg/config"
	"github.com/eigenvault/operator/pkg/feed"
	"github.com/eigenvault/operator/pkg/matching"
	"github.com/eigenvault/operator/pkg/metrics"
	"github.com/eigenvault/operator/pkg/p2p"
	"github.com/eigenvault/operator/pkg/privacy"
	"github.com/eigenvault/operator/pkg/proofs"
	"github.com/eigenvault/operator/pkg/store"
)

const (
	healthCheckInterval = 30 * time.Second
	chainCursorName     = "chain_block"
)

// Operator is the running node.
type Operator struct {
	cfg    *config.Config
	logger log.Logger
	signer p2p.Signer

	crypto   *privacy.Manager
	engine   *matching.Engine
	node     *p2p.Node
	chain    *chain.Client
	prover   *proofs.Prover
	verifier *proofs.Verifier
	store    *store.Store
	feed     *feed.Publisher
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an operator from configuration and an open database.
func New(cfg *config.Config, db store.KV, logger log.Logger) (*Operator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	crypto, err := privacy.NewManager()
	if err != nil {
		return nil, fmt.Errorf("privacy manager: %w", err)
	}

	signer := p2p.HashSigner{}
	nodeID := deriveNodeID(cfg.Ethereum.OperatorAddress)
	node, err := p2p.NewNode(nodeID, cfg.Networking, signer, logger.New("module", "p2p"))
	if err != nil {
		return nil, fmt.Errorf("p2p node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	op := &Operator{
		cfg:      cfg,
		logger:   logger,
		signer:   signer,
		crypto:   crypto,
		engine:   matching.NewEngine(cfg.Matching, crypto, logger.New("module", "matching")),
		node:     node,
		chain:    chain.NewClient(cfg.Ethereum, logger.New("module", "chain")),
		prover:   proofs.NewProver(cfg.Proofs, logger.New("module", "proofs")),
		verifier: proofs.NewVerifier(logger.New("module", "proofs")),
		store:    store.New(db, logger.New("module", "store")),
		metrics:  metrics.New("eigenvault", logger.New("module", "metrics")),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.EnableFeed {
		pub, err := feed.Connect(cfg.NatsURL, nodeID, logger.New("module", "feed"))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("feed: %w", err)
		}
		op.feed = pub
	}
	return op, nil
}

// Start registers the operator and launches every worker loop.
func (o *Operator) Start() error {
	o.logger.Info("Operator starting",
		"operator", o.cfg.Ethereum.OperatorAddress,
		"listen_port", o.cfg.Networking.ListenPort)

	if cursor, err := o.store.LoadCursor(chainCursorName); err == nil && cursor > 0 {
		o.chain.SetLastBlock(cursor)
		o.logger.Info("Resuming chain poll", "block", cursor)
	}

	registerCtx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	if _, err := o.chain.RegisterOperator(registerCtx); err != nil {
		// Already-registered operators fail here; the AVS tolerates it.
		o.logger.Warn("Operator registration failed", "error", err)
	}
	cancel()

	if err := o.node.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}

	o.wg.Add(1)
	go o.chainLoop()
	o.wg.Add(1)
	go o.inboundLoop()
	o.wg.Add(1)
	go o.matchLoop()
	o.wg.Add(1)
	go o.healthLoop()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.metrics.Serve(o.ctx, o.cfg.MetricsPort); err != nil {
			o.logger.Error("Metrics server stopped", "error", err)
		}
	}()

	if o.feed != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.feed.RunHeartbeat(o.ctx, func() int {
				return len(o.node.ActivePeerIDs())
			})
		}()
	}

	o.logger.Info("Operator started")
	return nil
}

// Stop shuts the operator down and waits for every loop to exit.
func (o *Operator) Stop() {
	o.logger.Info("Operator stopping")
	o.cancel()
	o.node.Stop()
	o.wg.Wait()
	o.feed.Close()
	o.logger.Info("Operator stopped")
}

// chainLoop polls the settlement layer for tasks and stored orders.
func (o *Operator) chainLoop() {
	defer o.wg.Done()

	interval := time.Duration(o.cfg.Ethereum.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			events, err := o.chain.PollEvents(o.ctx)
			if err != nil {
				o.logger.Warn("Chain poll failed", "error", err)
				continue
			}

			for _, ev := range events.Orders {
				o.metrics.ChainEvents.Inc()
				o.handleStoredOrder(ev)
			}
			for _, task := range events.Tasks {
				o.metrics.ChainEvents.Inc()
				o.handleTask(task)
			}

			if err := o.store.SaveCursor(chainCursorName, o.chain.LastBlock()); err != nil {
				o.logger.Warn("Cursor save failed", "error", err)
			}
		}
	}
}

// handleStoredOrder feeds an encrypted order deposited in the vault into
// the matching engine. Orders sealed for other operators fail to decrypt
// and stay out of the pending set.
func (o *Operator) handleStoredOrder(ev chain.OrderStoredEvent) {
	o.metrics.OrdersReceived.Inc()
	o.logger.Debug("Order stored on chain", "order", ev.OrderID, "trader", ev.Trader)

	if err := o.store.PutEncryptedOrder(ev.OrderID, ev.EncryptedOrder); err != nil {
		o.logger.Warn("Order persist failed", "order", ev.OrderID, "error", err)
	}
	if err := o.engine.AddEncryptedOrder(ev.OrderID, ev.EncryptedOrder); err != nil {
		o.metrics.OrdersRejected.Inc()
		o.logger.Debug("Stored order not decryptable here", "order", ev.OrderID, "error", err)
		return
	}
	o.metrics.PendingOrders.Set(float64(o.engine.PendingCount()))
}

// handleTask runs the full task flow: retrieve the encrypted batch,
// match it, prove each match and respond on-chain.
func (o *Operator) handleTask(task chain.TaskCreatedEvent) {
	o.logger.Info("Matching task received",
		"task", task.TaskIndex, "pool", task.PoolKey, "orders", task.OrderCount)

	if err := o.node.Gossip.Broadcast(fmt.Sprintf("task:%d", task.TaskIndex), &p2p.TaskAnnouncement{
		TaskIndex:  task.TaskIndex,
		PoolKey:    task.PoolKey,
		OrderCount: int(task.OrderCount),
		Deadline:   task.Deadline,
		Timestamp:  time.Now().Unix(),
	}); err != nil {
		o.logger.Debug("Task announcement failed", "error", err)
	}

	stored, err := o.chain.RetrieveOrdersForTask(o.ctx, task.TaskIndex)
	if err != nil {
		o.logger.Error("Order retrieval failed", "task", task.TaskIndex, "error", err)
		return
	}

	batch := make([]*privacy.DecryptedOrder, 0, len(stored))
	for _, so := range stored {
		o.metrics.OrdersReceived.Inc()
		decrypted, err := o.crypto.DecryptOrder(so.OrderID, so.EncryptedData)
		if err != nil {
			o.metrics.OrdersRejected.Inc()
			o.logger.Warn("Undecryptable task order", "order", so.OrderID, "error", err)
			continue
		}
		if err := o.store.PutEncryptedOrder(so.OrderID, so.EncryptedData); err != nil {
			o.logger.Warn("Order persist failed", "order", so.OrderID, "error", err)
		}
		batch = append(batch, decrypted)
	}

	matches := o.engine.FindMatches(batch)
	o.logger.Info("Task matching complete", "task", task.TaskIndex, "matches", len(matches))
	if len(matches) == 0 {
		return
	}

	var combined []byte
	for _, match := range matches {
		if proof := o.settleMatch(match, task.TaskIndex); proof != nil {
			combined = append(combined, proof.ProofData...)
		}
	}

	// One proof covers the whole response: the batch proof when enabled,
	// otherwise the concatenated per-match proofs.
	taskProof := combined
	if o.cfg.Proofs.EnableBatchProving {
		if batchProof, err := o.prover.GenerateBatchProof(matches); err == nil {
			taskProof = batchProof.ProofData
		} else {
			o.logger.Warn("Batch proof failed, responding with per-match proofs",
				"task", task.TaskIndex, "error", err)
		}
	}

	matchesData, err := json.Marshal(matches)
	if err != nil {
		o.logger.Error("Match serialization failed", "task", task.TaskIndex, "error", err)
		return
	}

	respCtx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()
	if _, err := o.chain.SubmitTaskResponse(respCtx, task.TaskIndex, matchesData, taskProof); err != nil {
		o.logger.Error("Task response failed", "task", task.TaskIndex, "error", err)
	}
}

// inboundLoop consumes peer messages.
func (o *Operator) inboundLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return
		case in := <-o.node.Inbound():
			o.metrics.GossipMessagesIn.Inc()
			switch msg := in.Payload.(type) {
			case *p2p.OrderGossip:
				o.handleGossipedOrder(msg)
			case *p2p.MatchingResult:
				o.logger.Debug("Peer match announced",
					"peer", in.PeerID, "match", msg.MatchID, "pool", msg.PoolKey)
			case *p2p.TaskAnnouncement:
				o.logger.Debug("Peer task announced", "peer", in.PeerID, "task", msg.TaskIndex)
			case *p2p.ProofShare:
				if err := o.verifier.VerifyProof(&proofs.Proof{
					MatchID:      msg.MatchID,
					PublicInputs: msg.PublicInputs,
					ProofData:    msg.Proof,
				}); err != nil {
					o.logger.Warn("Peer proof rejected", "peer", in.PeerID, "match", msg.MatchID)
				}
			default:
				o.logger.Debug("Unhandled peer message", "type", in.Type, "peer", in.PeerID)
			}
		}
	}
}

func (o *Operator) handleGossipedOrder(msg *p2p.OrderGossip) {
	o.metrics.OrdersReceived.Inc()

	if err := o.store.PutEncryptedOrder(msg.OrderID, msg.EncryptedData); err != nil {
		o.logger.Warn("Gossiped order persist failed", "order", msg.OrderID, "error", err)
	}
	if err := o.engine.AddEncryptedOrder(msg.OrderID, msg.EncryptedData); err != nil {
		o.metrics.OrdersRejected.Inc()
		o.logger.Debug("Gossiped order not decryptable here", "order", msg.OrderID, "error", err)
		return
	}
	o.metrics.PendingOrders.Set(float64(o.engine.PendingCount()))
}

// matchLoop is the periodic matching tick.
func (o *Operator) matchLoop() {
	defer o.wg.Done()

	interval := time.Duration(o.cfg.Matching.MatchingIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			matches := o.engine.ProcessPendingOrders()
			o.metrics.MatchingLatency.Observe(time.Since(start).Seconds())
			o.metrics.PendingOrders.Set(float64(o.engine.PendingCount()))

			for _, match := range matches {
				o.settleMatch(match, 0)
			}
		}
	}
}

// settleMatch persists a match, proves it, submits the proof and fans
// the result and the proof out through gossip and the feed. It returns
// the generated proof, or nil when proving failed.
func (o *Operator) settleMatch(match *matching.OrderMatch, taskIndex uint32) *proofs.Proof {
	o.metrics.MatchesExecuted.Inc()

	if err := o.store.PutMatch(match); err != nil {
		o.logger.Error("Match persist failed", "match", match.MatchID, "error", err)
	}

	proof, err := o.prover.GenerateMatchingProof(match)
	if err != nil {
		o.logger.Error("Proof generation failed", "match", match.MatchID, "error", err)
		return nil
	}
	if err := o.store.PutProof(proof); err != nil {
		o.logger.Warn("Proof persist failed", "match", match.MatchID, "error", err)
	}

	resultHash := sha256.Sum256(proof.PublicInputs)
	signature, err := o.signer.Sign(resultHash[:])
	if err != nil {
		o.logger.Error("Result signing failed", "match", match.MatchID, "error", err)
		return proof
	}

	submitCtx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()
	if _, err := o.chain.SubmitMatchingProof(submitCtx, taskIndex, proof.ProofData, resultHash, signature); err != nil {
		o.logger.Error("Proof submission failed", "match", match.MatchID, "error", err)
	} else {
		o.metrics.ProofsSubmitted.Inc()
	}

	if err := o.node.Gossip.Broadcast(match.MatchID, &p2p.MatchingResult{
		MatchID:       match.MatchID,
		PoolKey:       match.PoolKey,
		BuyOrderID:    match.BuyOrder.ID,
		SellOrderID:   match.SellOrder.ID,
		MatchedPrice:  match.MatchedPrice,
		MatchedAmount: match.MatchedAmount,
		OperatorID:    o.node.ID(),
		Timestamp:     time.Now().Unix(),
	}); err != nil {
		o.logger.Debug("Match broadcast failed", "match", match.MatchID, "error", err)
	} else {
		o.metrics.GossipMessagesOut.Inc()
	}

	if err := o.node.Gossip.Broadcast("proof:"+match.MatchID, &p2p.ProofShare{
		TaskIndex:    taskIndex,
		MatchID:      match.MatchID,
		Proof:        proof.ProofData,
		PublicInputs: proof.PublicInputs,
		OperatorID:   o.node.ID(),
		Timestamp:    time.Now().Unix(),
	}); err != nil {
		o.logger.Debug("Proof share failed", "match", match.MatchID, "error", err)
	} else {
		o.metrics.GossipMessagesOut.Inc()
	}

	if err := o.feed.PublishMatch(match); err != nil {
		o.logger.Warn("Feed publish failed", "match", match.MatchID, "error", err)
	} else if o.feed != nil {
		o.metrics.FeedPublished.Inc()
	}
	return proof
}

// healthLoop logs component health and samples runtime gauges.
func (o *Operator) healthLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.metrics.CollectRuntime()
			o.metrics.ActivePeers.Set(float64(len(o.node.ActivePeerIDs())))

			if removed := o.engine.CleanupExpired(); removed > 0 {
				o.metrics.PendingOrders.Set(float64(o.engine.PendingCount()))
			}

			checkCtx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
			chainOK := o.chain.HealthCheck(checkCtx) == nil
			cancel()

			o.logger.Info("Health check",
				"chain", chainOK,
				"p2p", o.node.HealthCheck() == nil,
				"matching", o.engine.HealthCheck() == nil,
				"peers", len(o.node.ActivePeerIDs()),
				"pending", o.engine.PendingCount())
		}
	}
}

// SubmitLocalOrder encrypts and queues an order originated at this node,
// then gossips it to the network. Used by local tooling and tests.
func (o *Operator) SubmitLocalOrder(payload *privacy.OrderPayload) (string, error) {
	encrypted, err := o.crypto.EncryptOrder(payload)
	if err != nil {
		return "", err
	}

	orderID := deriveNodeID(payload.Commitment)[:16]
	if err := o.engine.AddEncryptedOrder(orderID, encrypted); err != nil {
		return "", err
	}
	o.metrics.OrdersReceived.Inc()

	if err := o.node.Gossip.BroadcastOrder(orderID, payload.PoolKey, encrypted, payload.Commitment); err != nil {
		o.logger.Warn("Order gossip failed", "order", orderID, "error", err)
	} else {
		o.metrics.GossipMessagesOut.Inc()
	}
	return orderID, nil
}

// Engine exposes the matching engine for query surfaces.
func (o *Operator) Engine() *matching.Engine { return o.engine }

// Node exposes the P2P node for query surfaces.
func (o *Operator) Node() *p2p.Node { return o.node }

func deriveNodeID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:8])
}
