package escrow

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides pebble-based persistence for ledger state. A multi-key
// mutation goes through a single pebble batch so a crash can never leave a
// half-applied balance move on disk.
type Store struct {
	db *pebble.DB
}

type balanceRecord struct {
	Owner  common.Address `json:"owner"`
	Asset  common.Address `json:"asset"`
	Amount int64          `json:"amount"`
}

type poolRecord struct {
	Asset  common.Address `json:"asset"`
	Amount int64          `json:"amount"`
}

type nonceRecord struct {
	Owner common.Address `json:"owner"`
	Nonce uint64         `json:"nonce"`
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Batch groups ledger writes into one atomic pebble commit.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SetBalance(owner, asset common.Address, amount int64) error {
	data, err := json.Marshal(balanceRecord{Owner: owner, Asset: asset, Amount: amount})
	if err != nil {
		return err
	}
	return b.batch.Set(balanceKey(owner, asset), data, nil)
}

func (b *Batch) SetPool(asset common.Address, amount int64) error {
	data, err := json.Marshal(poolRecord{Asset: asset, Amount: amount})
	if err != nil {
		return err
	}
	return b.batch.Set(poolKey(asset), data, nil)
}

func (b *Batch) SetNonce(owner common.Address, nonce uint64) error {
	data, err := json.Marshal(nonceRecord{Owner: owner, Nonce: nonce})
	if err != nil {
		return err
	}
	return b.batch.Set(nonceKey(owner), data, nil)
}

func (b *Batch) Commit() error { return b.batch.Commit(pebble.Sync) }
func (b *Batch) Close() error  { return b.batch.Close() }

// LoadBalances loads every persisted balance.
func (s *Store) LoadBalances() ([]balanceRecord, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate balances: %w", err)
	}
	defer iter.Close()

	var out []balanceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec balanceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // skip invalid entries
		}
		out = append(out, rec)
	}
	return out, nil
}

// LoadPools loads every persisted escrow pool.
func (s *Store) LoadPools() ([]poolRecord, error) {
	prefix := []byte(prefixPool)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate pools: %w", err)
	}
	defer iter.Close()

	var out []poolRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec poolRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LoadNonces loads every persisted withdraw nonce.
func (s *Store) LoadNonces() ([]nonceRecord, error) {
	prefix := []byte(prefixNonce)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate nonces: %w", err)
	}
	defer iter.Close()

	var out []nonceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec nonceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
