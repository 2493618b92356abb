// Package store persists matches and proofs so the operator can survive
// restarts and answer queries about past activity.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/eigenvault/operator/pkg/matching"
	"github.com/eigenvault/operator/pkg/proofs"
)

// recentIndexCap bounds the recent-match index.
const recentIndexCap = 100

var ErrNotFound = database.ErrNotFound

// KV is the slice of the database the store needs.
type KV interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
}

// Store writes operator state to a key-value database.
type Store struct {
	db     KV
	logger log.Logger
}

// New creates a store on top of a key-value database.
func New(db KV, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func matchKey(id string) []byte { return []byte("match:" + id) }

func proofKey(id string) []byte { return []byte("proof:" + id) }

func orderKey(id string) []byte { return []byte("order:" + id) }

func cursorKey(name string) []byte { return []byte("cursor:" + name) }

var recentIndexKey = []byte("match_recent")

// PutMatch persists a match and rolls it into the recent index.
func (s *Store) PutMatch(match *matching.OrderMatch) error {
	value, err := json.Marshal(match)
	if err != nil {
		return err
	}
	if err := s.db.Put(matchKey(match.MatchID), value); err != nil {
		return fmt.Errorf("store match %s: %w", match.MatchID, err)
	}
	return s.appendRecent(match.MatchID)
}

// GetMatch loads one match by id.
func (s *Store) GetMatch(matchID string) (*matching.OrderMatch, error) {
	value, err := s.db.Get(matchKey(matchID))
	if err != nil {
		return nil, err
	}
	var match matching.OrderMatch
	if err := json.Unmarshal(value, &match); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", matchID, err)
	}
	return &match, nil
}

// RecentMatches loads up to limit matches from the recent index, newest
// last.
func (s *Store) RecentMatches(limit int) ([]*matching.OrderMatch, error) {
	ids, err := s.recentIndex()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	matches := make([]*matching.OrderMatch, 0, len(ids))
	for _, id := range ids {
		match, err := s.GetMatch(id)
		if err != nil {
			s.logger.Warn("Indexed match missing from store", "match", id, "error", err)
			continue
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// PutProof persists a settlement proof keyed by its match id.
func (s *Store) PutProof(proof *proofs.Proof) error {
	value, err := json.Marshal(proof)
	if err != nil {
		return err
	}
	return s.db.Put(proofKey(proof.MatchID), value)
}

// GetProof loads the proof for a match.
func (s *Store) GetProof(matchID string) (*proofs.Proof, error) {
	value, err := s.db.Get(proofKey(matchID))
	if err != nil {
		return nil, err
	}
	var proof proofs.Proof
	if err := json.Unmarshal(value, &proof); err != nil {
		return nil, fmt.Errorf("decode proof %s: %w", matchID, err)
	}
	return &proof, nil
}

// PutEncryptedOrder keeps the raw encrypted order blob for audit.
func (s *Store) PutEncryptedOrder(orderID string, data []byte) error {
	return s.db.Put(orderKey(orderID), data)
}

// GetEncryptedOrder loads a stored encrypted order blob.
func (s *Store) GetEncryptedOrder(orderID string) ([]byte, error) {
	return s.db.Get(orderKey(orderID))
}

// HasOrder reports whether an encrypted order is already stored.
func (s *Store) HasOrder(orderID string) (bool, error) {
	return s.db.Has(orderKey(orderID))
}

// SaveCursor persists a named progress cursor, such as the chain poll
// block.
func (s *Store) SaveCursor(name string, value uint64) error {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(value >> (i * 8))
	}
	return s.db.Put(cursorKey(name), buf)
}

// LoadCursor reads a named cursor; a missing cursor returns zero.
func (s *Store) LoadCursor(name string) (uint64, error) {
	value, err := s.db.Get(cursorKey(name))
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	var v uint64
	for _, b := range value {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func (s *Store) recentIndex() ([]string, error) {
	value, err := s.db.Get(recentIndexKey)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(value, &ids); err != nil {
		return nil, fmt.Errorf("decode recent index: %w", err)
	}
	return ids, nil
}

func (s *Store) appendRecent(matchID string) error {
	ids, err := s.recentIndex()
	if err != nil {
		return err
	}
	ids = append(ids, matchID)
	if len(ids) > recentIndexCap {
		ids = ids[len(ids)-recentIndexCap:]
	}
	value, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.db.Put(recentIndexKey, value)
}
