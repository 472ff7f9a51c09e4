package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator binding every signed record to one
// protocol deployment. Signatures made for another chain id or another
// verifying identity never validate here.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderMessage is the typed pre-market order record traders sign.
// The digest of this record is also the order's identity.
type OrderMessage struct {
	Trader     common.Address // order owner
	Collateral common.Address // collateral asset
	TokenID    common.Hash    // target token market id (keccak256 of symbol)
	Amount     *big.Int       // total amount, token smallest units
	Price      *big.Int       // unit price, scaled by params.PriceUnit
	Side       uint8          // 1 = buy, 2 = sell
	Nonce      *big.Int       // trader-scoped replay guard
	Deadline   *big.Int       // expiry, unix seconds
}

// WithdrawMessage authorizes an operator-submitted withdrawal from escrow.
type WithdrawMessage struct {
	Owner  common.Address
	Asset  common.Address
	Amount *big.Int
	Nonce  *big.Int // per-owner withdraw nonce, increments on success
}

// BatchSettlementMessage is the operator-signed V2 settlement record:
// many buyers against one seller, pre-computed off the accounting path.
type BatchSettlementMessage struct {
	OrderIDs    []common.Hash
	Collateral  common.Address // collateral asset of the settled trades
	RealAsset   common.Address // deliverable asset
	Seller      common.Address
	Buyers      []common.Address
	Collaterals []*big.Int // per-buyer locked collateral to consume
	Deliveries  []*big.Int // per-buyer real-asset delivery amount
	Payment     *big.Int   // aggregate payment to the seller
	Deadline    *big.Int
	Nonce       *big.Int // operator nonce, strict sequence
}

// BatchCancellationMessage is the operator-signed V2 cancellation record:
// returns buyers' locked collateral without a delivery obligation.
type BatchCancellationMessage struct {
	OrderIDs   []common.Hash
	Collateral common.Address
	Buyers     []common.Address
	Amounts    []*big.Int // per-buyer locked collateral to return
	Deadline   *big.Int
	Nonce      *big.Int
}

// TypedSigner computes domain-bound digests for the protocol's typed records
// and verifies signatures over them. It is pure: no storage, no side effects.
type TypedSigner struct {
	domain Domain
}

func NewTypedSigner(domain Domain) *TypedSigner {
	return &TypedSigner{domain: domain}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func (t *TypedSigner) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              t.domain.Name,
		Version:           t.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(t.domain.ChainID),
		VerifyingContract: t.domain.VerifyingContract.Hex(),
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func (t *TypedSigner) digest(primary string, types apitypes.Types, message apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      t.apiDomain(),
		Message:     message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(structHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// HashOrder returns the order digest that traders sign. The same digest is
// the order's identity in the matching engine.
func (t *TypedSigner) HashOrder(order *OrderMessage) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": domainType,
		"Order": []apitypes.Type{
			{Name: "trader", Type: "address"},
			{Name: "collateral", Type: "address"},
			{Name: "tokenId", Type: "bytes32"},
			{Name: "amount", Type: "uint256"},
			{Name: "price", Type: "uint256"},
			{Name: "side", Type: "uint8"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"trader":     order.Trader.Hex(),
		"collateral": order.Collateral.Hex(),
		"tokenId":    order.TokenID.Hex(),
		"amount":     order.Amount.String(),
		"price":      order.Price.String(),
		"side":       fmt.Sprintf("%d", order.Side),
		"nonce":      order.Nonce.String(),
		"deadline":   order.Deadline.String(),
	}
	return t.digest("Order", types, message)
}

// HashWithdraw returns the digest of a signed withdrawal request.
func (t *TypedSigner) HashWithdraw(w *WithdrawMessage) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": domainType,
		"Withdraw": []apitypes.Type{
			{Name: "owner", Type: "address"},
			{Name: "asset", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"owner":  w.Owner.Hex(),
		"asset":  w.Asset.Hex(),
		"amount": w.Amount.String(),
		"nonce":  w.Nonce.String(),
	}
	return t.digest("Withdraw", types, message)
}

// HashBatchSettlement returns the digest of an operator batch settlement.
func (t *TypedSigner) HashBatchSettlement(b *BatchSettlementMessage) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": domainType,
		"BatchSettlement": []apitypes.Type{
			{Name: "orderIds", Type: "bytes32[]"},
			{Name: "collateral", Type: "address"},
			{Name: "realAsset", Type: "address"},
			{Name: "seller", Type: "address"},
			{Name: "buyers", Type: "address[]"},
			{Name: "collaterals", Type: "uint256[]"},
			{Name: "deliveries", Type: "uint256[]"},
			{Name: "payment", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderIds":    hashList(b.OrderIDs),
		"collateral":  b.Collateral.Hex(),
		"realAsset":   b.RealAsset.Hex(),
		"seller":      b.Seller.Hex(),
		"buyers":      addressList(b.Buyers),
		"collaterals": bigList(b.Collaterals),
		"deliveries":  bigList(b.Deliveries),
		"payment":     b.Payment.String(),
		"deadline":    b.Deadline.String(),
		"nonce":       b.Nonce.String(),
	}
	return t.digest("BatchSettlement", types, message)
}

// HashBatchCancellation returns the digest of an operator batch cancellation.
func (t *TypedSigner) HashBatchCancellation(b *BatchCancellationMessage) ([]byte, error) {
	types := apitypes.Types{
		"EIP712Domain": domainType,
		"BatchCancellation": []apitypes.Type{
			{Name: "orderIds", Type: "bytes32[]"},
			{Name: "collateral", Type: "address"},
			{Name: "buyers", Type: "address[]"},
			{Name: "amounts", Type: "uint256[]"},
			{Name: "deadline", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderIds":   hashList(b.OrderIDs),
		"collateral": b.Collateral.Hex(),
		"buyers":     addressList(b.Buyers),
		"amounts":    bigList(b.Amounts),
		"deadline":   b.Deadline.String(),
		"nonce":      b.Nonce.String(),
	}
	return t.digest("BatchCancellation", types, message)
}

// Verify reports whether signature over digest was produced by signer.
// Fails closed: malformed input yields false, never a panic.
func (t *TypedSigner) Verify(signer common.Address, digest []byte, signature []byte) bool {
	return VerifySignature(signer, digest, signature)
}

func hashList(hs []common.Hash) []interface{} {
	out := make([]interface{}, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

func addressList(as []common.Address) []interface{} {
	out := make([]interface{}, len(as))
	for i, a := range as {
		out[i] = a.Hex()
	}
	return out
}

func bigList(ns []*big.Int) []interface{} {
	out := make([]interface{}, len(ns))
	for i, n := range ns {
		out[i] = n.String()
	}
	return out
}
