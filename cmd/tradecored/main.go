package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"tradecore/internal/api"
	"tradecore/internal/auth"
	"tradecore/internal/codec"
	"tradecore/internal/common"
	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/funding"
	"tradecore/internal/ingest"
	"tradecore/internal/matcher"
	"tradecore/internal/observability"
	"tradecore/internal/outbound"
	"tradecore/internal/risk"
	"tradecore/internal/snapshot"
	"tradecore/internal/wal"
)

func usage(program string) {
	fmt.Fprintf(os.Stderr, "Usage: %s [config_file]\n", program)
	fmt.Fprintf(os.Stderr, "  config_file: Path to TOML configuration file\n")
	fmt.Fprintf(os.Stderr, "               If not specified, searches ./tradecore.toml and system paths\n")
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 2 {
		usage(os.Args[0])
		return 1
	}

	log := observability.NewLogger("tradecored")

	var configArg string
	if len(os.Args) == 2 {
		configArg = os.Args[1]
	}

	var cfg config.Config
	configPath := config.FindPath(configArg)
	if configPath == "" {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Error().Err(err).Str("path", configPath).Msg("config load failed")
			return 1
		}
		cfg = loaded
		log.Info().Str("path", configPath).Msg("config loaded")
	}

	chainID := uint64(1)
	if env := os.Getenv("MONMOUTH_CHAIN_ID"); env != "" {
		parsed, err := strconv.ParseUint(env, 0, 64)
		if err != nil {
			log.Error().Str("value", env).Msg("invalid MONMOUTH_CHAIN_ID")
			return 1
		}
		chainID = parsed
	}

	metrics := observability.NewMetrics()

	// Authentication: frames are verified only when signing keys are
	// configured.
	authenticator := auth.NewAuthenticator()
	for _, account := range cfg.Accounts {
		key, err := hex.DecodeString(account.PublicKey)
		if err != nil || len(key) != 32 {
			log.Error().Uint64("account", account.ID).Msg("invalid account public key")
			return 1
		}
		authenticator.RegisterAccount(common.AccountID(account.ID), key)
	}

	var verifier ingest.AuthVerifier
	if authenticator.AccountCount() > 0 {
		frameAuth := auth.NewFrameAuthenticator(authenticator)
		verifier = func(header ingest.FrameHeader, payload []byte) bool {
			headerBytes := codec.HeaderBytes(codec.WireFrame{
				Flags:       header.Flags,
				Account:     header.Account,
				Nonce:       header.Nonce,
				TimestampNs: header.ReceivedTimeNs,
				Priority:    header.Priority,
				Kind:        header.Kind,
				Payload:     payload,
			})
			return frameAuth.VerifyFrame(headerBytes, payload, header.Account)
		}
		log.Info().Int("accounts", authenticator.AccountCount()).Msg("frame authentication enabled")
	}

	ingress := ingest.NewPipeline(ingest.Config{
		NewOrderQueueDepth:    cfg.Ingress.NewOrderQueueDepth,
		CancelQueueDepth:      cfg.Ingress.CancelQueueDepth,
		ReplaceQueueDepth:     cfg.Ingress.ReplaceQueueDepth,
		MaxNewOrdersPerSecond: cfg.Ingress.MaxNewOrdersPerSecond,
		MaxCancelsPerSecond:   cfg.Ingress.MaxCancelsPerSecond,
		MaxReplacesPerSecond:  cfg.Ingress.MaxReplacesPerSecond,
	}, verifier)

	transport := ingest.NewUDPTransport(observability.NewLogger("transport"))
	if err := transport.Start(cfg.Transport.Endpoint, func(frame ingest.Frame) {
		ingress.Submit(frame)
	}); err != nil {
		log.Error().Err(err).Str("endpoint", cfg.Transport.Endpoint).Msg("transport start failed")
		return 1
	}
	defer transport.Stop()

	book := matcher.NewEngine(matcher.Config{ArenaBytes: cfg.Matcher.ArenaBytes})
	riskEngine := risk.NewEngine()
	fundingEngine := funding.NewEngine()

	marketSpecs := make([]engine.MarketSpec, 0, len(cfg.Markets))
	for _, market := range cfg.Markets {
		id := common.MarketID(market.ID)
		log.Info().Uint32("id", market.ID).Str("symbol", market.Symbol).Msg("configuring market")

		book.AddMarket(id)
		riskEngine.ConfigureMarket(id, risk.MarketRiskConfig{
			ContractSize:        market.Risk.ContractSize,
			InitialMarginBp:     market.Risk.InitialMarginBp,
			MaintenanceMarginBp: market.Risk.MaintenanceMarginBp,
		})
		riskEngine.SetMarkPrice(id, market.Risk.InitialMarkPrice)
		fundingEngine.ConfigureMarket(id, funding.MarketFundingConfig{
			ClampBp:   market.Funding.ClampBp,
			MaxRateBp: market.Funding.MaxRateBp,
		})

		indexPrice := market.Funding.IndexPrice
		if indexPrice == 0 {
			indexPrice = market.Risk.InitialMarkPrice
		}
		marketSpecs = append(marketSpecs, engine.MarketSpec{ID: id, IndexPrice: indexPrice})
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Persistence.WALPath), 0o755); err != nil {
		log.Error().Err(err).Msg("create wal directory failed")
		return 1
	}
	walWriter, err := wal.NewWriter(cfg.Persistence.WALPath, cfg.Persistence.WALFlushThreshold)
	if err != nil {
		log.Error().Err(err).Msg("wal open failed")
		return 1
	}
	defer walWriter.Close()

	snapshots, err := snapshot.NewStore(cfg.Persistence.SnapshotDir, snapshot.DefaultLimits)
	if err != nil {
		log.Error().Err(err).Msg("snapshot store open failed")
		return 1
	}

	bufferSize := cfg.Telemetry.BufferSize
	if bufferSize < 1 {
		bufferSize = 1024
	}
	router := api.NewRouter(bufferSize, bufferSize)
	router.RegisterEndpoint("/orders")
	router.RegisterEndpoint("/express-feed")
	router.RegisterEndpoint("/trade-metadata")
	router.RegisterEndpoint("/state-root")

	var publisher engine.FeedPublisher
	if cfg.Outbound.NATSURL != "" {
		natsPublisher, err := outbound.NewPublisher(cfg.Outbound.NATSURL, metrics, observability.NewLogger("outbound"))
		if err != nil {
			log.Warn().Err(err).Msg("nats publisher unavailable, continuing without feed")
		} else {
			defer natsPublisher.Close()
			publisher = natsPublisher
		}
	}

	var recorder engine.FillRecorder
	if cfg.Outbound.PostgresDSN != "" {
		history, err := outbound.NewHistoryWriter(cfg.Outbound.PostgresDSN, metrics, observability.NewLogger("history"))
		if err != nil {
			log.Warn().Err(err).Msg("trade history sink unavailable, continuing without history")
		} else {
			defer history.Close()
			recorder = history
		}
	}

	var server *api.Server
	var broadcastFn func(api.ExpressFeedFrame)
	if cfg.Outbound.APIAddr != "" {
		server = api.NewServer(cfg.Outbound.APIAddr, router, cfg.Telemetry.Enabled, observability.NewLogger("api"))
		server.Start()
		broadcastFn = server.Broadcast
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	}

	loop := engine.NewLoop(engine.Config{
		ChainID:          chainID,
		SnapshotInterval: cfg.Engine.SnapshotInterval,
		FundingInterval:  time.Duration(cfg.Engine.FundingIntervalSeconds) * time.Second,
		IdleSleep:        time.Duration(cfg.Engine.IdleSleepMs) * time.Millisecond,
		Markets:          marketSpecs,
	}, engine.Deps{
		Ingress:   ingress,
		WAL:       walWriter,
		Snapshots: snapshots,
		Matcher:   book,
		Risk:      riskEngine,
		Funding:   fundingEngine,
		Router:    router,
		Metrics:   metrics,
		Publisher: publisher,
		Recorder:  recorder,
		Broadcast: broadcastFn,
		Log:       observability.NewLogger("engine"),
	})

	router.SetNodeStateProvider(api.NodeStateProvider{
		ChainID:         loop.ChainID,
		BlockNumber:     loop.BlockNumber,
		PeerConnections: func() uint64 { return transport.Stats().ConnectionsActive },
		Healthy:         func() bool { return transport.IsRunning() },
	})

	if err := loop.Bootstrap(cfg.Persistence.SnapshotDir, cfg.Persistence.WALPath); err != nil {
		log.Error().Err(err).Msg("replay failed")
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		loop.Shutdown()
	}()

	log.Info().
		Uint64("chain_id", chainID).
		Str("rpc_chain_id", router.EthChainID()).
		Int("markets", len(cfg.Markets)).
		Msg("tradecored bootstrapped")

	if err := loop.Run(); err != nil {
		log.Error().Err(err).Msg("event loop failed")
		return 1
	}

	log.Info().Msg("graceful shutdown complete")
	return 0
}
