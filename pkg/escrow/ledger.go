package escrow

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/premarket-labs/premarket/pkg/bridge"
	"github.com/premarket-labs/premarket/pkg/crypto"
	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/protocol"
)

type balKey struct {
	Owner common.Address
	Asset common.Address
}

// WithdrawRequest is an owner-signed, operator-submitted withdrawal
// authorization, bound to the owner's current withdraw nonce.
type WithdrawRequest struct {
	Owner  common.Address
	Asset  common.Address
	Amount int64
	Nonce  uint64
}

func (w *WithdrawRequest) message() *crypto.WithdrawMessage {
	return &crypto.WithdrawMessage{
		Owner:  w.Owner,
		Asset:  w.Asset,
		Amount: big.NewInt(w.Amount),
		Nonce:  new(big.Int).SetUint64(w.Nonce),
	}
}

// Ledger is the collateral escrow: per-(owner, asset) balances plus a
// per-asset escrow pool holding collateral slashed out of balances. Every
// mutating call is all-or-nothing; a failed precondition leaves balances
// untouched. Single-writer: one mutex serializes all mutations.
type Ledger struct {
	mu       sync.Mutex
	balances map[balKey]int64
	pools    map[common.Address]int64 // asset -> escrowed collateral
	nonces   map[common.Address]uint64

	custody common.Address // address holding the real assets in the bridge
	bridge  bridge.Transferer
	auth    protocol.Authorizer
	signer  *crypto.TypedSigner
	store   *Store // nil = memory only
	bus     *events.Bus
	log     *zap.SugaredLogger
}

// NewLedger builds a ledger. store may be nil for an ephemeral ledger; when
// set, persisted balances, pools and nonces are loaded back into memory.
func NewLedger(store *Store, br bridge.Transferer, custody common.Address,
	auth protocol.Authorizer, signer *crypto.TypedSigner, bus *events.Bus,
	log *zap.SugaredLogger) (*Ledger, error) {

	if log == nil {
		log = zap.NewNop().Sugar()
	}
	l := &Ledger{
		balances: make(map[balKey]int64),
		pools:    make(map[common.Address]int64),
		nonces:   make(map[common.Address]uint64),
		custody:  custody,
		bridge:   br,
		auth:     auth,
		signer:   signer,
		store:    store,
		bus:      bus,
		log:      log,
	}

	if store != nil {
		bals, err := store.LoadBalances()
		if err != nil {
			return nil, fmt.Errorf("failed to load balances: %w", err)
		}
		for _, rec := range bals {
			l.balances[balKey{rec.Owner, rec.Asset}] = rec.Amount
		}
		pools, err := store.LoadPools()
		if err != nil {
			return nil, fmt.Errorf("failed to load pools: %w", err)
		}
		for _, rec := range pools {
			l.pools[rec.Asset] = rec.Amount
		}
		nonces, err := store.LoadNonces()
		if err != nil {
			return nil, fmt.Errorf("failed to load nonces: %w", err)
		}
		for _, rec := range nonces {
			l.nonces[rec.Owner] = rec.Nonce
		}
	}

	return l, nil
}

// Balance returns the recorded balance for (owner, asset).
func (l *Ledger) Balance(owner, asset common.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balKey{owner, asset}]
}

// Escrowed returns the escrow pool size for asset.
func (l *Ledger) Escrowed(asset common.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pools[asset]
}

// WithdrawNonce returns the next expected withdraw nonce for owner.
func (l *Ledger) WithdrawNonce(owner common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[owner]
}

// Deposit moves amount of asset from user into custody and credits the
// user's balance. The real asset transfer and the balance credit succeed or
// fail together.
func (l *Ledger) Deposit(user, asset common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit amount %d", protocol.ErrInvalidParameters, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.bridge.TransferFrom(asset, user, l.custody, amount); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInsufficientBalance, err)
	}

	key := balKey{user, asset}
	l.balances[key] += amount
	if err := l.persistBalance(user, asset); err != nil {
		return err
	}

	l.log.Infow("deposited", "user", user.Hex(), "asset", asset.Hex(), "amount", amount)
	l.bus.Emit(events.Deposited{User: user, Asset: asset, Amount: amount, NewBalance: l.balances[key]})
	return nil
}

// Withdraw returns amount of asset from custody to the owner. caller must be
// the owner (direct authorization mode).
func (l *Ledger) Withdraw(caller, asset common.Address, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.withdrawLocked(caller, asset, amount, false)
}

// WithdrawSigned executes an owner-signed withdrawal submitted by a third
// party. The signature must cover the owner's current withdraw nonce, which
// increments on success so the same authorization can never replay.
func (l *Ledger) WithdrawSigned(req *WithdrawRequest, sig []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Nonce != l.nonces[req.Owner] {
		return fmt.Errorf("%w: withdraw nonce %d, expected %d",
			protocol.ErrNonceMismatch, req.Nonce, l.nonces[req.Owner])
	}

	digest, err := l.signer.HashWithdraw(req.message())
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	if !l.signer.Verify(req.Owner, digest, sig) {
		return protocol.ErrInvalidSignature
	}

	return l.withdrawLocked(req.Owner, req.Asset, req.Amount, true)
}

// withdrawLocked validates, transfers from custody and records the new
// balance. When bumpNonce is set the owner's withdraw nonce increments and
// commits in the same batch as the balance, so a signed withdrawal cannot
// replay even across a crash between the two writes.
func (l *Ledger) withdrawLocked(owner, asset common.Address, amount int64, bumpNonce bool) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw amount %d", protocol.ErrInvalidParameters, amount)
	}

	key := balKey{owner, asset}
	if l.balances[key] < amount {
		return fmt.Errorf("%w: have %d, need %d", protocol.ErrInsufficientBalance, l.balances[key], amount)
	}

	if err := l.bridge.TransferFrom(asset, l.custody, owner, amount); err != nil {
		return fmt.Errorf("custody transfer failed: %w", err)
	}

	l.balances[key] -= amount
	if bumpNonce {
		l.nonces[owner]++
	}
	if l.store != nil {
		b := l.store.NewBatch()
		defer b.Close()
		if err := b.SetBalance(owner, asset, l.balances[key]); err != nil {
			return err
		}
		if bumpNonce {
			if err := b.SetNonce(owner, l.nonces[owner]); err != nil {
				return err
			}
		}
		if err := b.Commit(); err != nil {
			return err
		}
	}

	l.log.Infow("withdrawn", "owner", owner.Hex(), "asset", asset.Hex(), "amount", amount)
	l.bus.Emit(events.Withdrawn{User: owner, Asset: asset, Amount: amount, NewBalance: l.balances[key]})
	return nil
}

// Slash moves amount from the user's balance into the asset's escrow pool.
// Privileged: operator must hold the TRADER role. This is how the matching
// engine locks collateral without a second user signature.
func (l *Ledger) Slash(operator, user, asset common.Address, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.HasRole(operator, protocol.RoleTrader) {
		return fmt.Errorf("%w: %s needs %s", protocol.ErrMissingRole, operator.Hex(), protocol.RoleTrader)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: slash amount %d", protocol.ErrInvalidParameters, amount)
	}

	key := balKey{user, asset}
	if l.balances[key] < amount {
		return fmt.Errorf("%w: have %d, need %d", protocol.ErrInsufficientBalance, l.balances[key], amount)
	}

	l.balances[key] -= amount
	l.pools[asset] += amount
	if err := l.persistBalanceAndPool(user, asset); err != nil {
		return err
	}

	l.bus.Emit(events.BalanceSlashed{User: user, Asset: asset, Amount: amount,
		Operator: operator, NewBalance: l.balances[key]})
	return nil
}

// Credit moves amount from the asset's escrow pool back into the user's
// balance. Privileged, symmetric to Slash.
func (l *Ledger) Credit(operator, user, asset common.Address, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.HasRole(operator, protocol.RoleTrader) {
		return fmt.Errorf("%w: %s needs %s", protocol.ErrMissingRole, operator.Hex(), protocol.RoleTrader)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount %d", protocol.ErrInvalidParameters, amount)
	}
	if l.pools[asset] < amount {
		return fmt.Errorf("%w: escrow pool holds %d, need %d",
			protocol.ErrInsufficientBalance, l.pools[asset], amount)
	}

	key := balKey{user, asset}
	l.balances[key] += amount
	l.pools[asset] -= amount
	if err := l.persistBalanceAndPool(user, asset); err != nil {
		return err
	}

	l.bus.Emit(events.BalanceCredited{User: user, Asset: asset, Amount: amount,
		Operator: operator, NewBalance: l.balances[key]})
	return nil
}

// Reconcile compares the custodied amount of asset against the sum of
// recorded balances plus the escrow pool. Read-only: used operationally to
// detect accounting drift.
func (l *Ledger) Reconcile(asset common.Address) (custodied, recorded int64, balanced bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	custodied = l.bridge.BalanceOf(asset, l.custody)
	for key, amount := range l.balances {
		if key.Asset == asset {
			recorded += amount
		}
	}
	balanced = custodied == recorded+l.pools[asset]
	return custodied, recorded, balanced
}

func (l *Ledger) persistBalance(owner, asset common.Address) error {
	if l.store == nil {
		return nil
	}
	b := l.store.NewBatch()
	defer b.Close()
	if err := b.SetBalance(owner, asset, l.balances[balKey{owner, asset}]); err != nil {
		return err
	}
	return b.Commit()
}

func (l *Ledger) persistBalanceAndPool(owner, asset common.Address) error {
	if l.store == nil {
		return nil
	}
	b := l.store.NewBatch()
	defer b.Close()
	if err := b.SetBalance(owner, asset, l.balances[balKey{owner, asset}]); err != nil {
		return err
	}
	if err := b.SetPool(asset, l.pools[asset]); err != nil {
		return err
	}
	return b.Commit()
}
