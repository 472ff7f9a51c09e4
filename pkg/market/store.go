package market

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

const prefixMarket = "mkt:"

// Store persists token markets to pebble, JSON-encoded.
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

func marketKey(id common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixMarket, id.Hex()))
}

func (s *Store) SaveMarket(m *TokenMarket) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal market: %w", err)
	}
	if err := s.db.Set(marketKey(m.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	return nil
}

// LoadMarkets loads every persisted market.
func (s *Store) LoadMarkets() ([]*TokenMarket, error) {
	prefix := []byte(prefixMarket)
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate markets: %w", err)
	}
	defer iter.Close()

	var out []*TokenMarket
	for iter.First(); iter.Valid(); iter.Next() {
		var m TokenMarket
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue // skip invalid entries
		}
		out = append(out, &m)
	}
	return out, nil
}
