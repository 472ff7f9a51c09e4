package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/premarket-labs/premarket/params"
	"github.com/premarket-labs/premarket/pkg/crypto"
	"github.com/premarket-labs/premarket/pkg/market"
)

// sign-order generates (or loads via PRIVATE_KEY) a keypair, signs a sample
// pre-market order and prints the JSON payload ready for POST /api/v1/match.
func main() {
	var signer *crypto.Signer
	var err error

	if pk := os.Getenv("PRIVATE_KEY"); pk != "" {
		signer, err = crypto.FromPrivateKeyHex(pk)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	cfg := params.LoadFromEnv("")
	symbol := os.Getenv("SYMBOL")
	if symbol == "" {
		symbol = "ABC"
	}
	collateral := common.HexToAddress(os.Getenv("COLLATERAL_ADDR"))

	order := &crypto.OrderMessage{
		Trader:     signer.Address(),
		Collateral: collateral,
		TokenID:    market.MarketID(symbol),
		Amount:     big.NewInt(100),
		Price:      big.NewInt(1 * params.PriceUnit),
		Side:       1, // buy
		Nonce:      big.NewInt(1),
		Deadline:   big.NewInt(0), // no expiry
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Symbol: %s (token id %s)\n", symbol, order.TokenID.Hex())
	fmt.Printf("  Side: buy\n")
	fmt.Printf("  Amount: %s\n", order.Amount.String())
	fmt.Printf("  Price: %s\n", order.Price.String())
	fmt.Printf("  Trader: %s\n\n", order.Trader.Hex())

	typed := crypto.NewTypedSigner(crypto.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.ProtocolVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: cfg.VerifyingAddr,
	})
	digest, err := typed.HashOrder(order)
	if err != nil {
		fmt.Printf("Error hashing: %v\n", err)
		os.Exit(1)
	}
	signature, err := signer.Sign(digest)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Order digest: %s\n", hexutil.Encode(digest))
	fmt.Printf("Signature: %s\n\n", hexutil.Encode(signature))

	payload := map[string]interface{}{
		"trader":     order.Trader.Hex(),
		"collateral": order.Collateral.Hex(),
		"tokenId":    order.TokenID.Hex(),
		"amount":     order.Amount.Int64(),
		"price":      order.Price.Int64(),
		"side":       order.Side,
		"nonce":      order.Nonce.Uint64(),
		"deadline":   order.Deadline.Int64(),
		"signature":  hexutil.Encode(signature),
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("Error encoding payload: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("API payload:")
	fmt.Println(string(out))
}
