package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	sessionKeySize = 32

	// Messages older than this are rejected as replays.
	replayWindow = time.Hour
)

var (
	ErrNoPeerKey        = errors.New("no session key for peer")
	ErrMessageTooOld    = errors.New("message timestamp outside replay window")
	ErrBadSignature     = errors.New("message signature mismatch")
	ErrChannelNotSecure = errors.New("secure channel not established")
)

// SecureMessage is the encrypted envelope exchanged between peers once a
// secure channel is up. The signature covers the ciphertext, keyed with
// the session key.
type SecureMessage struct {
	SenderID   string `json:"sender_id"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

// Encryption manages the node's session key and per-peer channel keys.
type Encryption struct {
	mu       sync.RWMutex
	nodeID   string
	localKey []byte
	peerKeys map[string][]byte
}

// NewEncryption creates the encryption layer with a fresh random session
// key.
func NewEncryption(nodeID string) (*Encryption, error) {
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &Encryption{
		nodeID:   nodeID,
		localKey: key,
		peerKeys: make(map[string][]byte),
	}, nil
}

// EstablishChannel stores the shared session key for a peer. Keys come
// out of the handshake key agreement.
func (e *Encryption) EstablishChannel(peerID string, sharedKey []byte) error {
	if len(sharedKey) != sessionKeySize {
		return fmt.Errorf("session key must be %d bytes, got %d", sessionKeySize, len(sharedKey))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerKeys[peerID] = append([]byte(nil), sharedKey...)
	return nil
}

// CloseChannel discards the session key for a peer.
func (e *Encryption) CloseChannel(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peerKeys, peerID)
}

// HasChannel reports whether a secure channel exists with the peer.
func (e *Encryption) HasChannel(peerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peerKeys[peerID]
	return ok
}

// EncryptForPeer seals plaintext for a specific peer and wraps it in a
// signed, timestamped envelope.
func (e *Encryption) EncryptForPeer(peerID string, plaintext []byte) (*SecureMessage, error) {
	e.mu.RLock()
	key, ok := e.peerKeys[peerID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPeerKey, peerID)
	}

	ciphertext, err := seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &SecureMessage{
		SenderID:   e.nodeID,
		Ciphertext: ciphertext,
		Signature:  sign(key, ciphertext),
		Timestamp:  time.Now().Unix(),
	}, nil
}

// DecryptFromPeer verifies and opens a secure envelope from a peer.
// Messages older than the replay window are rejected before any
// cryptographic work.
func (e *Encryption) DecryptFromPeer(peerID string, msg *SecureMessage) ([]byte, error) {
	if time.Since(time.Unix(msg.Timestamp, 0)) > replayWindow {
		return nil, ErrMessageTooOld
	}

	e.mu.RLock()
	key, ok := e.peerKeys[peerID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPeerKey, peerID)
	}

	if !hmac.Equal(sign(key, msg.Ciphertext), msg.Signature) {
		return nil, ErrBadSignature
	}
	return open(key, msg.Ciphertext)
}

// SealBatch encrypts the same plaintext for every peer with an open
// channel. Peers whose seal fails are skipped.
func (e *Encryption) SealBatch(plaintext []byte) map[string]*SecureMessage {
	e.mu.RLock()
	peers := make([]string, 0, len(e.peerKeys))
	for id := range e.peerKeys {
		peers = append(peers, id)
	}
	e.mu.RUnlock()

	out := make(map[string]*SecureMessage, len(peers))
	for _, id := range peers {
		if msg, err := e.EncryptForPeer(id, plaintext); err == nil {
			out[id] = msg
		}
	}
	return out
}

// RotateKeys replaces the node session key and drops all peer channels.
// Peers must re-handshake to re-establish secure channels.
func (e *Encryption) RotateKeys() error {
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("rotate session key: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localKey = key
	e.peerKeys = make(map[string][]byte)
	return nil
}

// SessionKey returns a copy of the node's current session key for key
// agreement during handshakes.
func (e *Encryption) SessionKey() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]byte(nil), e.localKey...)
}

// ChannelCount returns the number of open secure channels.
func (e *Encryption) ChannelCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.peerKeys)
}

// HealthCheck round-trips a probe message through the local key to verify
// the cipher machinery works.
func (e *Encryption) HealthCheck() error {
	e.mu.RLock()
	key := e.localKey
	e.mu.RUnlock()

	probe := []byte("healthcheck")
	sealed, err := seal(key, probe)
	if err != nil {
		return err
	}
	opened, err := open(key, sealed)
	if err != nil {
		return err
	}
	if string(opened) != string(probe) {
		return errors.New("encryption round trip mismatch")
	}
	return nil
}

// seal encrypts with AES-256-GCM, prefixing a fresh nonce.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal.
func open(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}

// sign computes an HMAC-SHA256 tag over the ciphertext.
func sign(key, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
