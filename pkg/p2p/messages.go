// Package p2p implements the operator's peer-to-peer layer: a websocket
// based node, a gossip protocol for order propagation and an encrypted
// channel layer for peer traffic.
package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire message kinds. Every frame on a peer connection is a tagged JSON
// envelope carrying exactly one of these payloads.
const (
	TypeHandshake        = "handshake"
	TypeGossip           = "gossip"
	TypeOrderGossip      = "order_gossip"
	TypeMatchingResult   = "matching_result"
	TypePing             = "ping"
	TypePong             = "pong"
	TypePeerListRequest  = "peer_list_request"
	TypePeerListResponse = "peer_list_response"
	TypeTaskAnnouncement = "task_announcement"
	TypeProofShare       = "proof_share"
	TypeSecureEnvelope   = "secure_envelope"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope is the tagged wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handshake introduces a peer after the connection opens.
type Handshake struct {
	PeerID          string `json:"peer_id"`
	OperatorAddress string `json:"operator_address"`
	Version         string `json:"version"`
	ListenPort      int    `json:"listen_port"`
	Timestamp       int64  `json:"timestamp"`
}

// GossipMessage is the relay envelope for epidemic propagation. The
// payload is a complete inner frame; Kind mirrors the inner type so
// relays can route without decoding. The signature covers everything
// except the TTL, which changes per hop.
type GossipMessage struct {
	MessageID  string          `json:"message_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	TTL        int             `json:"ttl"`
	OriginPeer string          `json:"origin_peer"`
	Signature  []byte          `json:"signature"`
	Timestamp  int64           `json:"timestamp"`
}

// OrderGossip carries an encrypted order. It travels inside a
// GossipMessage envelope.
type OrderGossip struct {
	OrderID       string `json:"order_id"`
	PoolKey       string `json:"pool_key"`
	EncryptedData []byte `json:"encrypted_data"`
	Commitment    string `json:"commitment"`
	Timestamp     int64  `json:"timestamp"`
}

// MatchingResult announces a match found by an operator.
type MatchingResult struct {
	MatchID       string  `json:"match_id"`
	PoolKey       string  `json:"pool_key"`
	BuyOrderID    string  `json:"buy_order_id"`
	SellOrderID   string  `json:"sell_order_id"`
	MatchedPrice  float64 `json:"matched_price"`
	MatchedAmount float64 `json:"matched_amount"`
	OperatorID    string  `json:"operator_id"`
	Timestamp     int64   `json:"timestamp"`
}

// Ping is a liveness probe; Pong echoes its nonce.
type Ping struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

type Pong struct {
	Nonce             uint64 `json:"nonce"`
	OriginalTimestamp int64  `json:"original_timestamp"`
	Timestamp         int64  `json:"timestamp"`
}

// PeerListRequest asks a peer for addresses when the local peer count
// drops below the minimum watermark.
type PeerListRequest struct {
	MaxPeers  int   `json:"max_peers"`
	Timestamp int64 `json:"timestamp"`
}

type PeerListResponse struct {
	Peers     []string `json:"peers"`
	Timestamp int64    `json:"timestamp"`
}

// TaskAnnouncement notifies peers of a new on-chain matching task.
type TaskAnnouncement struct {
	TaskIndex  uint32 `json:"task_index"`
	PoolKey    string `json:"pool_key"`
	OrderCount int    `json:"order_count"`
	Deadline   int64  `json:"deadline"`
	Timestamp  int64  `json:"timestamp"`
}

// ProofShare distributes a settlement proof to peers for verification.
type ProofShare struct {
	TaskIndex    uint32 `json:"task_index"`
	MatchID      string `json:"match_id"`
	Proof        []byte `json:"proof"`
	PublicInputs []byte `json:"public_inputs"`
	OperatorID   string `json:"operator_id"`
	Timestamp    int64  `json:"timestamp"`
}

// SecureEnvelope carries an encrypted inner frame between peers with an
// open secure channel. The ciphertext decrypts to a regular tagged
// envelope.
type SecureEnvelope struct {
	SenderID   string `json:"sender_id"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

// messageKind maps a payload to its wire tag.
func messageKind(payload any) (string, error) {
	switch payload.(type) {
	case *Handshake, Handshake:
		return TypeHandshake, nil
	case *GossipMessage, GossipMessage:
		return TypeGossip, nil
	case *OrderGossip, OrderGossip:
		return TypeOrderGossip, nil
	case *MatchingResult, MatchingResult:
		return TypeMatchingResult, nil
	case *Ping, Ping:
		return TypePing, nil
	case *Pong, Pong:
		return TypePong, nil
	case *PeerListRequest, PeerListRequest:
		return TypePeerListRequest, nil
	case *PeerListResponse, PeerListResponse:
		return TypePeerListResponse, nil
	case *TaskAnnouncement, TaskAnnouncement:
		return TypeTaskAnnouncement, nil
	case *ProofShare, ProofShare:
		return TypeProofShare, nil
	case *SecureEnvelope, SecureEnvelope:
		return TypeSecureEnvelope, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownMessageType, payload)
	}
}

// Encode wraps a payload into a tagged envelope frame. The payload type
// determines the tag.
func Encode(payload any) ([]byte, error) {
	msgType, err := messageKind(payload)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Type: msgType, Payload: raw})
}

// Decode parses an envelope frame and returns the typed payload.
func Decode(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}

	var payload any
	switch env.Type {
	case TypeHandshake:
		payload = &Handshake{}
	case TypeGossip:
		payload = &GossipMessage{}
	case TypeOrderGossip:
		payload = &OrderGossip{}
	case TypeMatchingResult:
		payload = &MatchingResult{}
	case TypePing:
		payload = &Ping{}
	case TypePong:
		payload = &Pong{}
	case TypePeerListRequest:
		payload = &PeerListRequest{}
	case TypePeerListResponse:
		payload = &PeerListResponse{}
	case TypeTaskAnnouncement:
		payload = &TaskAnnouncement{}
	case TypeProofShare:
		payload = &ProofShare{}
	case TypeSecureEnvelope:
		payload = &SecureEnvelope{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return env.Type, nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return env.Type, payload, nil
}
