package engine

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema for engine state. Trade keys zero-pad the id so a range
// scan returns trades in creation order.
const (
	prefixOrderState = "ostate:"
	prefixTrade      = "trade:"
	prefixLock       = "lock:"
	keyTradeSeq      = "meta:trade_seq"
	keyOperatorNonce = "meta:op_nonce"
)

type lockRecord struct {
	Owner  common.Address `json:"owner"`
	Asset  common.Address `json:"asset"`
	Amount int64          `json:"amount"`
}

func orderStateKey(id common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixOrderState, id.Hex()))
}

func tradeKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTrade, id))
}

func lockKeyBytes(owner, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixLock, owner.Hex(), asset.Hex()))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Store persists engine state (order counters, trades, collateral locks,
// sequence counters) to pebble. A whole operation commits in one batch.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Batch groups one operation's writes into a single atomic commit.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SetOrderState(st *OrderState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return b.batch.Set(orderStateKey(st.ID), data, nil)
}

func (b *Batch) SetTrade(t *Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.batch.Set(tradeKey(t.ID), data, nil)
}

func (b *Batch) SetLock(owner, asset common.Address, amount int64) error {
	data, err := json.Marshal(lockRecord{Owner: owner, Asset: asset, Amount: amount})
	if err != nil {
		return err
	}
	return b.batch.Set(lockKeyBytes(owner, asset), data, nil)
}

func (b *Batch) SetTradeSeq(seq uint64) error {
	return b.batch.Set([]byte(keyTradeSeq), encodeUint64(seq), nil)
}

func (b *Batch) SetOperatorNonce(nonce uint64) error {
	return b.batch.Set([]byte(keyOperatorNonce), encodeUint64(nonce), nil)
}

func (b *Batch) Commit() error { return b.batch.Commit(pebble.Sync) }
func (b *Batch) Close() error  { return b.batch.Close() }

func encodeUint64(v uint64) []byte {
	return []byte(fmt.Sprintf("%020d", v))
}

func decodeUint64(data []byte) uint64 {
	var v uint64
	fmt.Sscanf(string(data), "%d", &v)
	return v
}

// LoadOrderStates loads every persisted order counter pair.
func (s *Store) LoadOrderStates() ([]*OrderState, error) {
	prefix := []byte(prefixOrderState)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate order states: %w", err)
	}
	defer iter.Close()

	var out []*OrderState
	for iter.First(); iter.Valid(); iter.Next() {
		var st OrderState
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	return out, nil
}

// LoadTrades loads every persisted trade, oldest first.
func (s *Store) LoadTrades() ([]*Trade, error) {
	prefix := []byte(prefixTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate trades: %w", err)
	}
	defer iter.Close()

	var out []*Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// LoadLocks loads every persisted collateral lock.
func (s *Store) LoadLocks() ([]lockRecord, error) {
	prefix := []byte(prefixLock)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate locks: %w", err)
	}
	defer iter.Close()

	var out []lockRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec lockRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LoadTradeSeq returns the persisted trade sequence (0 if absent).
func (s *Store) LoadTradeSeq() (uint64, error) {
	return s.loadCounter(keyTradeSeq)
}

// LoadOperatorNonce returns the persisted operator nonce (0 if absent).
func (s *Store) LoadOperatorNonce() (uint64, error) {
	return s.loadCounter(keyOperatorNonce)
}

func (s *Store) loadCounter(key string) (uint64, error) {
	data, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decodeUint64(data), nil
}
