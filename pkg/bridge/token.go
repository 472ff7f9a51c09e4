package bridge

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Transferer is the external fungible-asset transfer primitive the core
// depends on (approve/transferFrom style). Any non-nil error means the whole
// surrounding operation must fail; the core never retries.
type Transferer interface {
	// TransferFrom moves amount of asset from one holder to another, spending
	// the caller-granted allowance when from is not the protocol itself.
	TransferFrom(asset, from, to common.Address, amount int64) error
	BalanceOf(asset, owner common.Address) int64
}

// Vault is an in-memory multi-asset bank implementing Transferer. It stands
// in for the on-chain token contracts in a single-node deployment and in
// tests. Real deployments substitute a chain-backed implementation.
type Vault struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]int64 // asset -> owner -> amount
	allowances map[allowanceKey]int64
	operator   common.Address // spender exempt from allowance checks
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// NewVault creates an empty vault. Transfers initiated on behalf of operator
// bypass allowance checks, mirroring the protocol's custody role.
func NewVault(operator common.Address) *Vault {
	return &Vault{
		balances:   make(map[common.Address]map[common.Address]int64),
		allowances: make(map[allowanceKey]int64),
		operator:   operator,
	}
}

// Mint credits amount of asset to owner out of thin air. Dev/test helper.
func (v *Vault) Mint(asset, owner common.Address, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(asset, owner, amount)
}

// Approve grants spender the right to move up to amount of owner's asset.
func (v *Vault) Approve(asset, owner, spender common.Address, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowances[allowanceKey{asset, owner, spender}] = amount
}

func (v *Vault) BalanceOf(asset, owner common.Address) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[asset][owner]
}

// TransferFrom moves funds, enforcing balance and (for non-operator sources)
// allowance granted to the operator. All-or-nothing.
func (v *Vault) TransferFrom(asset, from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[asset][from] < amount {
		return fmt.Errorf("transfer: %s holds %d of %s, need %d",
			from.Hex(), v.balances[asset][from], asset.Hex(), amount)
	}

	if from != v.operator {
		key := allowanceKey{asset, from, v.operator}
		if v.allowances[key] < amount {
			return fmt.Errorf("transfer: allowance %d below %d", v.allowances[key], amount)
		}
		v.allowances[key] -= amount
	}

	v.balances[asset][from] -= amount
	v.credit(asset, to, amount)
	return nil
}

func (v *Vault) credit(asset, owner common.Address, amount int64) {
	if v.balances[asset] == nil {
		v.balances[asset] = make(map[common.Address]int64)
	}
	v.balances[asset][owner] += amount
}
