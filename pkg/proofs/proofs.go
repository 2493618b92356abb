// Package proofs generates and verifies settlement proofs for order
// matches. The current prover is a hash-commitment construction that
// binds the match parameters; the interfaces are shaped so a zk circuit
// backend can slot in without touching callers.
package proofs

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/log"

	"github.com/eigenvault/operator/pkg/config"
	"github.com/eigenvault/operator/pkg/matching"
)

var (
	ErrProofTooLarge    = errors.New("proof exceeds configured size limit")
	ErrProofInvalid     = errors.New("proof verification failed")
	ErrConstraintBroken = errors.New("match violates constraints")
)

// Proof binds a match to its public inputs.
type Proof struct {
	MatchID      string `json:"match_id"`
	PoolKey      string `json:"pool_key"`
	PublicInputs []byte `json:"public_inputs"`
	ProofData    []byte `json:"proof_data"`
	GeneratedAt  int64  `json:"generated_at"`
}

// publicInputs is the statement the proof commits to. Trader identities
// and order prices stay private; only the cleared price and amount are
// revealed.
type publicInputs struct {
	MatchID       string  `json:"match_id"`
	PoolKey       string  `json:"pool_key"`
	MatchedPrice  float64 `json:"matched_price"`
	MatchedAmount float64 `json:"matched_amount"`
	BuyCommitment string  `json:"buy_commitment"`
	SellCommit    string  `json:"sell_commitment"`
}

// Prover generates settlement proofs.
type Prover struct {
	cfg    config.ProofConfig
	logger log.Logger
}

// NewProver creates a prover from the proof configuration.
func NewProver(cfg config.ProofConfig, logger log.Logger) *Prover {
	return &Prover{cfg: cfg, logger: logger}
}

// GenerateMatchingProof produces a proof that the match satisfies the
// clearing constraints without revealing the underlying orders.
func (p *Prover) GenerateMatchingProof(match *matching.OrderMatch) (*Proof, error) {
	if err := VerifyMatchConstraints(match); err != nil {
		return nil, err
	}

	inputs := publicInputs{
		MatchID:       match.MatchID,
		PoolKey:       match.PoolKey,
		MatchedPrice:  match.MatchedPrice,
		MatchedAmount: match.MatchedAmount,
		BuyCommitment: orderCommitment(match.BuyOrder.ID, match.BuyOrder.Trader),
		SellCommit:    orderCommitment(match.SellOrder.ID, match.SellOrder.Trader),
	}
	inputBytes, err := json.Marshal(inputs)
	if err != nil {
		return nil, err
	}

	proof := &Proof{
		MatchID:      match.MatchID,
		PoolKey:      match.PoolKey,
		PublicInputs: inputBytes,
		ProofData:    proveDigest(inputBytes),
		GeneratedAt:  time.Now().Unix(),
	}
	if size := len(proof.ProofData) + len(proof.PublicInputs); size > p.cfg.MaxProofSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrProofTooLarge, size)
	}

	p.logger.Debug("Matching proof generated", "match", match.MatchID, "pool", match.PoolKey)
	return proof, nil
}

// GenerateBatchProof folds several matches into one proof. Batching is
// gated on the config flag; when disabled the caller should prove
// matches individually.
func (p *Prover) GenerateBatchProof(matches []*matching.OrderMatch) (*Proof, error) {
	if !p.cfg.EnableBatchProving {
		return nil, errors.New("batch proving disabled")
	}
	if len(matches) == 0 {
		return nil, errors.New("empty batch")
	}

	var combined []byte
	for _, m := range matches {
		proof, err := p.GenerateMatchingProof(m)
		if err != nil {
			return nil, fmt.Errorf("batch member %s: %w", m.MatchID, err)
		}
		combined = append(combined, proof.ProofData...)
	}

	batch := &Proof{
		MatchID:      fmt.Sprintf("batch_%d_%s", len(matches), matches[0].MatchID),
		PoolKey:      matches[0].PoolKey,
		PublicInputs: combined,
		ProofData:    proveDigest(combined),
		GeneratedAt:  time.Now().Unix(),
	}
	p.logger.Info("Batch proof generated", "matches", len(matches))
	return batch, nil
}

// Verifier checks settlement proofs.
type Verifier struct {
	logger log.Logger
}

func NewVerifier(logger log.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// VerifyProof checks that the proof data commits to its public inputs.
func (v *Verifier) VerifyProof(proof *Proof) error {
	if proof == nil || len(proof.ProofData) == 0 {
		return ErrProofInvalid
	}
	expected := proveDigest(proof.PublicInputs)
	if subtle.ConstantTimeCompare(expected, proof.ProofData) != 1 {
		return ErrProofInvalid
	}
	return nil
}

// VerifyMatchConstraints checks the clearing invariants of a match:
// crossing prices, mid-point execution, positive size at the smaller
// order and distinct counterparties.
func VerifyMatchConstraints(match *matching.OrderMatch) error {
	if match.BuyOrder == nil || match.SellOrder == nil {
		return fmt.Errorf("%w: missing orders", ErrConstraintBroken)
	}
	buy, sell := match.BuyOrder, match.SellOrder

	if buy.Trader == sell.Trader {
		return fmt.Errorf("%w: self trade", ErrConstraintBroken)
	}
	if buy.PoolKey != sell.PoolKey || buy.PoolKey != match.PoolKey {
		return fmt.Errorf("%w: pool mismatch", ErrConstraintBroken)
	}
	if buy.Price < sell.Price {
		return fmt.Errorf("%w: prices do not cross", ErrConstraintBroken)
	}
	if match.MatchedPrice != (buy.Price+sell.Price)/2 {
		return fmt.Errorf("%w: not mid-point priced", ErrConstraintBroken)
	}
	if match.MatchedAmount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrConstraintBroken)
	}
	if match.MatchedAmount > buy.Amount || match.MatchedAmount > sell.Amount {
		return fmt.Errorf("%w: amount exceeds order size", ErrConstraintBroken)
	}
	return nil
}

// proveDigest is the placeholder proving function.
func proveDigest(inputs []byte) []byte {
	sum := sha256.Sum256(inputs)
	// Double hash keeps the digest distinct from plain input hashes.
	sum = sha256.Sum256(sum[:])
	return sum[:]
}

func orderCommitment(orderID, trader string) string {
	sum := sha256.Sum256([]byte(orderID + ":" + trader))
	return hex.EncodeToString(sum[:])
}
