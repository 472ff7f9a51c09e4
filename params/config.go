package params

import (
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// PriceUnit is the fixed-point scale of order prices: a price of 1*PriceUnit
// means one collateral smallest-unit per one token smallest-unit.
const PriceUnit = int64(1_000_000)

// Protocol holds the economic knobs of the escrow core. The engine reads a
// snapshot of these at the start of each state-changing operation, so tests
// can vary them per call without shared fixtures.
type Protocol struct {
	// FeeBps is the protocol fee in basis points, taken from proceeds on
	// settlement/cancellation. Ignored when zero or when Treasury is unset.
	FeeBps int64

	// Treasury receives protocol fees. Zero address disables fee collection.
	Treasury common.Address

	// BuyerCollateralBps / SellerCollateralBps are the collateral ratios in
	// basis points of trade value. Seller ratio is typically higher: it bonds
	// the non-delivery risk.
	BuyerCollateralBps  int64
	SellerCollateralBps int64

	// MinFillAmount is the smallest fill a match may produce.
	MinFillAmount int64
}

type Node struct {
	DataDir string // pebble database directory
	APIAddr string // HTTP/WebSocket listen address
	LogFile string // optional log file path ("" = console only)
}

type Config struct {
	Protocol Protocol
	Node     Node

	// EIP-712 domain parameters binding signatures to this deployment.
	ChainID         int64
	DomainName      string
	VerifyingAddr   common.Address // verifying contract/service identity
	ProtocolVersion string
}

func Default() Config {
	return Config{
		Protocol: Protocol{
			FeeBps:              50, // 0.5%
			Treasury:            common.Address{},
			BuyerCollateralBps:  2500,  // 25% of trade value
			SellerCollateralBps: 10000, // 100% of trade value
			MinFillAmount:       1,
		},
		Node: Node{
			DataDir: "data/premarket.db",
			APIAddr: ":8080",
			LogFile: "",
		},
		ChainID:         1337,
		DomainName:      "PreMarket",
		VerifyingAddr:   common.Address{},
		ProtocolVersion: "1",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("PROTOCOL_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Protocol.FeeBps = bps
		}
	}
	if v := os.Getenv("PROTOCOL_TREASURY"); v != "" && common.IsHexAddress(v) {
		cfg.Protocol.Treasury = common.HexToAddress(v)
	}
	if v := os.Getenv("BUYER_COLLATERAL_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Protocol.BuyerCollateralBps = bps
		}
	}
	if v := os.Getenv("SELLER_COLLATERAL_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Protocol.SellerCollateralBps = bps
		}
	}
	if v := os.Getenv("MIN_FILL_AMOUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Protocol.MinFillAmount = n
		}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}

// SettleTimeLimitFromEnv parses an optional settle-time-limit override used
// by tooling when creating markets (e.g. SETTLE_TIME_LIMIT_HOURS=168).
func SettleTimeLimitFromEnv(fallback time.Duration) time.Duration {
	if v := os.Getenv("SETTLE_TIME_LIMIT_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			return time.Duration(h) * time.Hour
		}
	}
	return fallback
}
