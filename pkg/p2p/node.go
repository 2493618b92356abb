package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/eigenvault/operator/pkg/config"
	"github.com/eigenvault/operator/pkg/privacy"
)

const (
	protocolVersion = "1.0.0"

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 54 * time.Second

	// Peers silent longer than this are evicted.
	peerInactivityTimeout = 300 * time.Second
	maintenanceInterval   = 30 * time.Second

	maxFrameSize = 512 * 1024
)

// Inbound is a decoded message together with the peer it arrived from.
type Inbound struct {
	PeerID  string
	Type    string
	Payload any
}

// NetworkStats is a snapshot of node-level network state.
type NetworkStats struct {
	NodeID       string      `json:"node_id"`
	ActivePeers  int         `json:"active_peers"`
	TotalPeers   int         `json:"total_peers"`
	MessagesIn   uint64      `json:"messages_in"`
	MessagesOut  uint64      `json:"messages_out"`
	Gossip       GossipStats `json:"gossip"`
	OpenChannels int         `json:"open_channels"`
}

// conn is one live peer connection with its writer queue.
type conn struct {
	info *PeerInfo
	ws   *websocket.Conn
	send chan []byte
}

// Node is the operator's P2P endpoint. It accepts inbound websocket
// connections, dials bootstrap peers and hands every decoded frame to the
// inbound channel for the supervisor to consume.
type Node struct {
	id     string
	cfg    config.NetworkingConfig
	logger log.Logger

	Gossip     *Gossip
	Encryption *Encryption

	peersMu sync.RWMutex
	peers   map[string]*conn

	register   chan *conn
	unregister chan *conn
	inbound    chan Inbound

	messagesIn  uint64
	messagesOut uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewNode creates a P2P node. The gossip protocol and encryption layer
// are wired in here.
func NewNode(nodeID string, cfg config.NetworkingConfig, signer Signer, logger log.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		id:         nodeID,
		cfg:        cfg,
		logger:     logger,
		peers:      make(map[string]*conn),
		register:   make(chan *conn, 16),
		unregister: make(chan *conn, 16),
		inbound:    make(chan Inbound, 1024),
		ctx:        ctx,
		cancel:     cancel,
	}

	enc, err := NewEncryption(nodeID)
	if err != nil {
		cancel()
		return nil, err
	}
	n.Encryption = enc
	n.Gossip = NewGossip(nodeID, signer, n, logger)
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Inbound returns the channel of decoded peer messages.
func (n *Node) Inbound() <-chan Inbound { return n.inbound }

// Start brings up the listener, the hub and the bootstrap dials. It
// returns once the listener is running.
func (n *Node) Start() error {
	n.wg.Add(1)
	go n.runHub()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Gossip.Start(n.ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", n.handleUpgrade)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", n.cfg.ListenPort),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		<-n.ctx.Done()
		server.Shutdown(context.Background())
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logger.Info("P2P listener starting", "port", n.cfg.ListenPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("P2P listener failed", "error", err)
		}
	}()

	for _, addr := range n.cfg.BootstrapPeers {
		go n.Connect(addr)
	}
	return nil
}

// Stop tears the node down and waits for all goroutines.
func (n *Node) Stop() {
	n.logger.Info("Stopping P2P node")
	n.cancel()
	n.wg.Wait()
}

// Connect dials a peer address and runs the handshake.
func (n *Node) Connect(address string) error {
	u := url.URL{Scheme: "ws", Host: address, Path: "/p2p"}
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(n.cfg.ConnectTimeoutSec) * time.Second,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		n.logger.Warn("Peer dial failed", "address", address, "error", err)
		return fmt.Errorf("dial %s: %w", address, err)
	}

	c := &conn{
		info: NewPeerInfo("", address, false),
		ws:   ws,
		send: make(chan []byte, 256),
	}
	c.info.SetState(PeerHandshaking)

	go n.writePump(c)
	go n.readPump(c)

	return n.sendHandshake(c)
}

// handleUpgrade accepts an inbound peer connection.
func (n *Node) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("P2P upgrade failed", "error", err)
		return
	}

	c := &conn{
		info: NewPeerInfo("", r.RemoteAddr, true),
		ws:   ws,
		send: make(chan []byte, 256),
	}
	c.info.SetState(PeerHandshaking)

	go n.writePump(c)
	go n.readPump(c)

	if err := n.sendHandshake(c); err != nil {
		n.logger.Warn("Handshake send failed", "peer", r.RemoteAddr, "error", err)
	}
}

func (n *Node) sendHandshake(c *conn) error {
	frame, err := Encode(&Handshake{
		PeerID:     n.id,
		Version:    protocolVersion,
		ListenPort: n.cfg.ListenPort,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return n.queueFrame(c, frame)
}

// runHub owns the peer table and the maintenance ticker.
func (n *Node) runHub() {
	defer n.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.peersMu.Lock()
			for _, c := range n.peers {
				close(c.send)
			}
			n.peers = make(map[string]*conn)
			n.peersMu.Unlock()
			return

		case c := <-n.register:
			n.peersMu.Lock()
			if old, ok := n.peers[c.info.ID]; ok && old != c {
				close(old.send)
			}
			n.peers[c.info.ID] = c
			total := len(n.peers)
			n.peersMu.Unlock()
			n.logger.Info("Peer active", "peer", c.info.ID, "address", c.info.Address, "total", total)

		case c := <-n.unregister:
			n.peersMu.Lock()
			if cur, ok := n.peers[c.info.ID]; ok && cur == c {
				delete(n.peers, c.info.ID)
				close(c.send)
			}
			total := len(n.peers)
			n.peersMu.Unlock()
			n.Encryption.CloseChannel(c.info.ID)
			c.info.SetState(PeerInactive)
			n.logger.Info("Peer removed", "peer", c.info.ID, "total", total)

		case <-ticker.C:
			n.evictIdlePeers()
			n.maintainPeerCount()
			n.pingPeers()
		}
	}
}

// evictIdlePeers drops peers silent past the inactivity timeout.
func (n *Node) evictIdlePeers() {
	n.peersMu.RLock()
	var idle []*conn
	for _, c := range n.peers {
		if c.info.IdleFor() > peerInactivityTimeout {
			idle = append(idle, c)
		}
	}
	n.peersMu.RUnlock()

	for _, c := range idle {
		n.logger.Warn("Evicting idle peer", "peer", c.info.ID, "idle", c.info.IdleFor())
		c.ws.Close()
	}
}

// maintainPeerCount asks existing peers for addresses when the active
// set drops below the minimum watermark.
func (n *Node) maintainPeerCount() {
	active := n.ActivePeerIDs()
	if len(active) >= n.cfg.MinPeers || len(active) == 0 {
		return
	}

	n.logger.Warn("Peer count below minimum", "active", len(active), "min", n.cfg.MinPeers)
	frame, err := Encode(&PeerListRequest{
		MaxPeers:  n.cfg.MaxPeers - len(active),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	for _, id := range active {
		n.SendFrame(id, frame)
	}
}

// pingPeers sends an application-level liveness probe to every active
// peer. The pong echoes the probe timestamp back.
func (n *Node) pingPeers() {
	now := time.Now()
	for _, id := range n.ActivePeerIDs() {
		if err := n.Send(id, &Ping{Nonce: uint64(now.UnixNano()), Timestamp: now.Unix()}); err != nil {
			n.logger.Debug("Peer ping failed", "peer", id, "error", err)
		}
	}
}

// readPump consumes frames from one connection until it closes.
func (n *Node) readPump(c *conn) {
	defer func() {
		if c.info.GetState() == PeerActive {
			n.unregister <- c
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.info.Touch()
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				n.logger.Debug("Peer read error", "peer", c.info.ID, "error", err)
			}
			return
		}

		atomic.AddUint64(&n.messagesIn, 1)
		c.info.Touch()

		msgType, payload, err := Decode(data)
		if err != nil {
			n.logger.Warn("Undecodable peer frame", "peer", c.info.ID, "error", err)
			c.info.AdjustReputation(-1)
			continue
		}
		n.dispatch(c, msgType, payload)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings.
func (n *Node) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			atomic.AddUint64(&n.messagesOut, 1)

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one decoded frame. Protocol-level messages are handled
// here; everything else is forwarded to the inbound channel.
func (n *Node) dispatch(c *conn, msgType string, payload any) {
	switch msg := payload.(type) {
	case *Handshake:
		n.completeHandshake(c, msg)

	case *Ping:
		frame, err := Encode(&Pong{
			Nonce:             msg.Nonce,
			OriginalTimestamp: msg.Timestamp,
			Timestamp:         time.Now().Unix(),
		})
		if err == nil {
			n.queueSecure(c, frame)
		}

	case *Pong:
		// Touch already recorded in readPump.
		n.logger.Debug("Peer pong", "peer", c.info.ID, "lag", time.Now().Unix()-msg.OriginalTimestamp)

	case *PeerListRequest:
		n.sendPeerList(c, msg.MaxPeers)

	case *PeerListResponse:
		for _, addr := range msg.Peers {
			if len(n.ActivePeerIDs()) >= n.cfg.MaxPeers {
				break
			}
			go n.Connect(addr)
		}

	case *SecureEnvelope:
		inner, err := n.Encryption.DecryptFromPeer(c.info.ID, &SecureMessage{
			SenderID:   msg.SenderID,
			Ciphertext: msg.Ciphertext,
			Signature:  msg.Signature,
			Timestamp:  msg.Timestamp,
		})
		if err != nil {
			n.logger.Warn("Secure envelope rejected", "peer", c.info.ID, "error", err)
			c.info.AdjustReputation(-1)
			return
		}
		innerType, innerPayload, err := Decode(inner)
		if err != nil {
			n.logger.Warn("Undecodable secure payload", "peer", c.info.ID, "error", err)
			return
		}
		n.dispatch(c, innerType, innerPayload)

	case *GossipMessage:
		inner, err := n.Gossip.HandleGossip(c.info.ID, msg)
		if err != nil {
			c.info.AdjustReputation(-1)
			n.logger.Debug("Gossip rejected", "peer", c.info.ID, "error", err)
			return
		}
		if inner != nil {
			c.info.AdjustReputation(1)
			n.forwardInbound(c, msg.Kind, inner)
		}

	default:
		n.forwardInbound(c, msgType, payload)
	}
}

func (n *Node) completeHandshake(c *conn, hs *Handshake) {
	if hs.PeerID == n.id {
		n.logger.Debug("Dropping self connection")
		c.ws.Close()
		return
	}
	if len(n.ActivePeerIDs()) >= n.cfg.MaxPeers {
		n.logger.Warn("Rejecting peer, at capacity", "peer", hs.PeerID)
		c.ws.Close()
		return
	}

	c.info.mu.Lock()
	c.info.ID = hs.PeerID
	c.info.OperatorAddress = hs.OperatorAddress
	c.info.mu.Unlock()
	c.info.SetState(PeerActive)

	if n.cfg.EnableEncryption {
		if err := n.Encryption.EstablishChannel(hs.PeerID, channelKey(n.id, hs.PeerID)); err != nil {
			n.logger.Warn("Secure channel setup failed", "peer", hs.PeerID, "error", err)
		}
	}
	n.register <- c
}

// channelKey derives the session key both ends of a connection agree on.
// This is a stand-in for a real handshake key agreement: the derivation
// is symmetric in the two node ids so both sides compute the same key
// independently.
func channelKey(a, b string) []byte {
	key, err := privacy.DeriveSharedSecret([]byte(a), []byte(b))
	if err != nil {
		return nil
	}
	return key
}

func (n *Node) sendPeerList(c *conn, max int) {
	n.peersMu.RLock()
	var addrs []string
	for id, peer := range n.peers {
		if id == c.info.ID || peer.info.Inbound {
			continue
		}
		addrs = append(addrs, peer.info.Address)
		if max > 0 && len(addrs) >= max {
			break
		}
	}
	n.peersMu.RUnlock()

	frame, err := Encode(&PeerListResponse{Peers: addrs, Timestamp: time.Now().Unix()})
	if err == nil {
		n.queueSecure(c, frame)
	}
}

func (n *Node) forwardInbound(c *conn, msgType string, payload any) {
	select {
	case n.inbound <- Inbound{PeerID: c.info.ID, Type: msgType, Payload: payload}:
	default:
		n.logger.Warn("Inbound queue full, dropping message", "type", msgType, "peer", c.info.ID)
	}
}

// queueFrame places a frame on a connection's send queue; a full queue
// drops the peer.
func (n *Node) queueFrame(c *conn, frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		c.ws.Close()
		return fmt.Errorf("send queue full for peer %s", c.info.ID)
	}
}

// queueSecure queues a frame on a connection, sealing it inside a secure
// envelope when an encrypted channel is up with the peer. Handshakes and
// pre-channel traffic pass through in the clear.
func (n *Node) queueSecure(c *conn, frame []byte) error {
	peerID := c.info.ID
	if !n.cfg.EnableEncryption || !n.Encryption.HasChannel(peerID) {
		return n.queueFrame(c, frame)
	}

	sealed, err := n.Encryption.EncryptForPeer(peerID, frame)
	if err != nil {
		return err
	}
	env, err := envelopeFrame(sealed)
	if err != nil {
		return err
	}
	return n.queueFrame(c, env)
}

// envelopeFrame encodes a sealed message as a secure envelope frame.
func envelopeFrame(sealed *SecureMessage) ([]byte, error) {
	return Encode(&SecureEnvelope{
		SenderID:   sealed.SenderID,
		Ciphertext: sealed.Ciphertext,
		Signature:  sealed.Signature,
		Timestamp:  sealed.Timestamp,
	})
}

// SendFrame delivers a frame to an active peer, encrypted when the
// channel supports it. Part of the gossip Transport contract.
func (n *Node) SendFrame(peerID string, frame []byte) error {
	n.peersMu.RLock()
	c, ok := n.peers[peerID]
	n.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	return n.queueSecure(c, frame)
}

// Send encodes a payload and delivers it to one peer.
func (n *Node) Send(peerID string, payload any) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	return n.SendFrame(peerID, frame)
}

// SendSecure seals a payload for one peer and refuses to fall back to
// plaintext: without an open channel the send fails.
func (n *Node) SendSecure(peerID string, payload any) error {
	if !n.Encryption.HasChannel(peerID) {
		return fmt.Errorf("%w: %s", ErrChannelNotSecure, peerID)
	}
	return n.Send(peerID, payload)
}

// Broadcast encodes a payload and delivers it to every active peer. With
// encryption on, the frame is sealed for the whole peer set in one pass;
// peers without an open channel yet get it in the clear.
func (n *Node) Broadcast(payload any) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}

	var sealed map[string]*SecureMessage
	if n.cfg.EnableEncryption {
		sealed = n.Encryption.SealBatch(frame)
	}
	for _, id := range n.ActivePeerIDs() {
		out := frame
		if sm, ok := sealed[id]; ok {
			env, err := envelopeFrame(sm)
			if err != nil {
				n.logger.Debug("Broadcast seal failed", "peer", id, "error", err)
				continue
			}
			out = env
		}

		n.peersMu.RLock()
		c, ok := n.peers[id]
		n.peersMu.RUnlock()
		if !ok {
			continue
		}
		if err := n.queueFrame(c, out); err != nil {
			n.logger.Debug("Broadcast send failed", "peer", id, "error", err)
		}
	}
	return nil
}

// ActivePeerIDs returns the ids of peers in the active state. Part of the
// gossip Transport contract.
func (n *Node) ActivePeerIDs() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	ids := make([]string, 0, len(n.peers))
	for id, c := range n.peers {
		if c.info.GetState() == PeerActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// PeerInfos returns a snapshot of all known peers.
func (n *Node) PeerInfos() []*PeerInfo {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	infos := make([]*PeerInfo, 0, len(n.peers))
	for _, c := range n.peers {
		infos = append(infos, c.info)
	}
	return infos
}

// Stats returns a network snapshot.
func (n *Node) Stats() NetworkStats {
	n.peersMu.RLock()
	total := len(n.peers)
	n.peersMu.RUnlock()

	return NetworkStats{
		NodeID:       n.id,
		ActivePeers:  len(n.ActivePeerIDs()),
		TotalPeers:   total,
		MessagesIn:   atomic.LoadUint64(&n.messagesIn),
		MessagesOut:  atomic.LoadUint64(&n.messagesOut),
		Gossip:       n.Gossip.Stats(),
		OpenChannels: n.Encryption.ChannelCount(),
	}
}

// HealthCheck verifies the encryption layer and reports peer health.
func (n *Node) HealthCheck() error {
	if err := n.Encryption.HealthCheck(); err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	active := len(n.ActivePeerIDs())
	if active < n.cfg.MinPeers {
		n.logger.Warn("Below minimum peer count", "active", active, "min", n.cfg.MinPeers)
	}
	return nil
}

// MarshalStats renders the stats snapshot as JSON for debug surfaces.
func (n *Node) MarshalStats() ([]byte, error) {
	return json.MarshalIndent(n.Stats(), "", "  ")
}
