package main

import (
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/premarket-labs/premarket/params"
	"github.com/premarket-labs/premarket/pkg/api"
	"github.com/premarket-labs/premarket/pkg/bridge"
	"github.com/premarket-labs/premarket/pkg/crypto"
	"github.com/premarket-labs/premarket/pkg/engine"
	"github.com/premarket-labs/premarket/pkg/escrow"
	"github.com/premarket-labs/premarket/pkg/events"
	"github.com/premarket-labs/premarket/pkg/market"
	"github.com/premarket-labs/premarket/pkg/protocol"
	"github.com/premarket-labs/premarket/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = "data/premarketd.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// Privileged identities. The protocol address is both the bridge custody
	// account and the engine's ledger identity.
	protocolAddr := envAddress("PROTOCOL_ADDR", "0x0000000000000000000000000000000000000001")
	adminAddr := envAddress("ADMIN_ADDR", "0x0000000000000000000000000000000000000002")
	operatorAddr := envAddress("OPERATOR_ADDR", "0x0000000000000000000000000000000000000003")

	roles := protocol.NewStaticRoles()
	roles.Grant(protocolAddr, protocol.RoleTrader)
	roles.Grant(adminAddr, protocol.RoleAdmin)
	roles.Grant(operatorAddr, protocol.RoleRelayer)

	signer := crypto.NewTypedSigner(crypto.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.ProtocolVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: cfg.VerifyingAddr,
	})

	// Dev bank standing in for the on-chain token contracts.
	vault := bridge.NewVault(protocolAddr)

	bus := events.NewBus()

	// ---- Persistent state ----
	escrowStore, err := escrow.NewStore(filepath.Join(cfg.Node.DataDir, "escrow"))
	if err != nil {
		sugar.Fatalw("failed to open escrow store", "err", err)
	}
	defer escrowStore.Close()

	marketStore, err := market.NewStore(filepath.Join(cfg.Node.DataDir, "markets"))
	if err != nil {
		sugar.Fatalw("failed to open market store", "err", err)
	}
	defer marketStore.Close()

	engineStore, err := engine.NewStore(filepath.Join(cfg.Node.DataDir, "engine"))
	if err != nil {
		sugar.Fatalw("failed to open engine store", "err", err)
	}
	defer engineStore.Close()

	// ---- Core ----
	ledger, err := escrow.NewLedger(escrowStore, vault, protocolAddr, roles, signer, bus, sugar)
	if err != nil {
		sugar.Fatalw("failed to build ledger", "err", err)
	}
	registry, err := market.NewRegistry(marketStore, roles, util.RealClock{}, bus, sugar)
	if err != nil {
		sugar.Fatalw("failed to build registry", "err", err)
	}
	eng, err := engine.New(engine.Deps{
		Self:     protocolAddr,
		Ledger:   ledger,
		Registry: registry,
		Bridge:   vault,
		Signer:   signer,
		Clock:    util.RealClock{},
		Auth:     roles,
		Config:   func() params.Protocol { return cfg.Protocol },
		Store:    engineStore,
		Bus:      bus,
		Log:      sugar,
	})
	if err != nil {
		sugar.Fatalw("failed to build engine", "err", err)
	}

	// ---- API ----
	server := api.NewServer(ledger, registry, eng, bus)
	go func() {
		if err := server.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api server stopped", "err", err)
		}
	}()

	sugar.Infow("premarketd_started",
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir,
		"chain_id", cfg.ChainID,
		"markets", len(registry.List()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	sugar.Infow("shutting_down")
}

func envAddress(key, fallback string) common.Address {
	if v := os.Getenv(key); v != "" && common.IsHexAddress(v) {
		return common.HexToAddress(v)
	}
	return common.HexToAddress(fallback)
}
