package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so a range scan can recover the full
// ledger state on startup.
const (
	prefixBalance = "bal:"    // per-(owner, asset) balance
	prefixPool    = "pool:"   // per-asset escrow pool
	prefixNonce   = "wnonce:" // per-owner withdraw nonce
)

// balanceKey returns the key for a balance.
// Format: "bal:{owner}:{asset}"
func balanceKey(owner, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, owner.Hex(), asset.Hex()))
}

// poolKey returns the key for an asset's escrow pool.
func poolKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixPool, asset.Hex()))
}

// nonceKey returns the key for an owner's withdraw nonce.
func nonceKey(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, owner.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
