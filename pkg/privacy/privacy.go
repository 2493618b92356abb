// Package privacy handles the order-privacy layer: traders submit orders
// sealed to the operator set, and the matching engine only ever sees
// plaintext recovered here. The original ciphertext is retained on each
// decrypted order so settlement-proof generation can bind to it later.
package privacy

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/eigenvault/operator/pkg/book"
)

// AEAD suite identifiers, following the transport-crypto naming.
const (
	SuiteAES256GCM        = "aes256gcm"
	SuiteChaCha20Poly1305 = "chacha20poly1305"
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	ErrDecryptionFailed  = errors.New("order decryption failed")
	ErrInvalidKeySize    = errors.New("key must be 32 bytes")
)

// OrderPayload is the plaintext structure sealed inside an encrypted order.
// The commitment binds the order contents for later verification without
// disclosing them on-chain.
type OrderPayload struct {
	Trader     string    `json:"trader"`
	PoolKey    string    `json:"pool_key"`
	Side       book.Side `json:"side"`
	Amount     float64   `json:"amount"`
	Price      float64   `json:"price"`
	Deadline   int64     `json:"deadline"`
	Commitment string    `json:"commitment,omitempty"`
}

// DecryptedOrder is the plaintext recovered from an encrypted order. It
// keeps the original ciphertext for proof construction.
type DecryptedOrder struct {
	ID            string
	Trader        string
	PoolKey       string
	Side          book.Side
	Amount        float64
	Price         float64
	Deadline      int64
	EncryptedData []byte
}

// Order converts the decrypted payload into a book order in pending state.
func (d *DecryptedOrder) Order(timestamp int64) *book.Order {
	return &book.Order{
		ID:        d.ID,
		Trader:    d.Trader,
		PoolKey:   d.PoolKey,
		Side:      d.Side,
		Amount:    d.Amount,
		Price:     d.Price,
		Status:    book.StatusPending,
		Timestamp: timestamp,
		Deadline:  d.Deadline,
	}
}

// Manager seals and opens order payloads under the operator's symmetric
// key. Ciphertext layout is nonce || sealed payload.
type Manager struct {
	key   []byte
	aead  cipher.AEAD
	suite string
}

// NewManager creates a manager with a freshly generated 256-bit key and
// the AES-256-GCM suite.
func NewManager() (*Manager, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewManagerWithKey(key, SuiteAES256GCM)
}

// NewManagerWithKey creates a manager from an existing 32-byte key and the
// given AEAD suite.
func NewManagerWithKey(key []byte, suite string) (*Manager, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}

	var aead cipher.AEAD
	var err error
	switch suite {
	case SuiteAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported AEAD suite: %s", suite)
	}
	if err != nil {
		return nil, err
	}

	k := make([]byte, 32)
	copy(k, key)
	return &Manager{key: k, aead: aead, suite: suite}, nil
}

// Suite returns the manager's AEAD suite identifier.
func (m *Manager) Suite() string { return m.suite }

// ExportKey returns a copy of the symmetric key for key-management tooling.
func (m *Manager) ExportKey() []byte {
	k := make([]byte, len(m.key))
	copy(k, m.key)
	return k
}

// EncryptOrder seals an order payload with a fresh nonce. The commitment
// field is filled from the payload before sealing.
func (m *Manager) EncryptOrder(payload *OrderPayload) ([]byte, error) {
	payload.Commitment = Commitment(payload)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order payload: %w", err)
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := m.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// DecryptOrder opens an encrypted order and returns the recovered
// plaintext together with the original ciphertext.
func (m *Manager) DecryptOrder(orderID string, data []byte) (*DecryptedOrder, error) {
	if len(data) < m.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce := data[:m.aead.NonceSize()]
	plaintext, err := m.aead.Open(nil, nonce, data[m.aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var payload OrderPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal order payload: %w", err)
	}

	return &DecryptedOrder{
		ID:            orderID,
		Trader:        payload.Trader,
		PoolKey:       payload.PoolKey,
		Side:          payload.Side,
		Amount:        payload.Amount,
		Price:         payload.Price,
		Deadline:      payload.Deadline,
		EncryptedData: data,
	}, nil
}

// Commitment hashes the order fields into a hex digest binding the order
// contents.
func Commitment(p *OrderPayload) string {
	h := sha256.New()
	h.Write([]byte(p.Trader))
	h.Write([]byte(p.PoolKey))
	h.Write([]byte(p.Side))
	fmt.Fprintf(h, "%.8f:%.8f:%d", p.Amount, p.Price, p.Deadline)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyCommitment recomputes the commitment and compares it to the one
// carried in the payload.
func VerifyCommitment(p *OrderPayload) bool {
	return p.Commitment == Commitment(p)
}

// DeriveSharedSecret derives a 32-byte secret from two peer identity
// keys via HKDF-SHA256. The inputs are ordered before expansion so both
// ends of a channel derive the same key independently.
func DeriveSharedSecret(localKey, peerKey []byte) ([]byte, error) {
	a, b := localKey, peerKey
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	material := make([]byte, 0, len(a)+len(b)+1)
	material = append(material, a...)
	material = append(material, ':')
	material = append(material, b...)

	r := hkdf.New(sha256.New, material, nil, []byte("eigenvault peer channel"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return secret, nil
}
