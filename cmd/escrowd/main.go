package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/harvestchain/params"
	"github.com/uhyunpark/harvestchain/pkg/api"
	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/oracle"
	"github.com/uhyunpark/harvestchain/pkg/p2p"
	"github.com/uhyunpark/harvestchain/pkg/registry"
	"github.com/uhyunpark/harvestchain/pkg/storage"
	"github.com/uhyunpark/harvestchain/pkg/token"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	// Backends stay nil interfaces in memory mode.
	var orders escrow.OrderStore
	var tokenDB, priceDB, deliveryDB, credDB, scoreDB, nonceDB storage.Backend
	if cfg.Node.DataDir != "" {
		db, err := storage.NewPebbleStore(cfg.Node.DataDir)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
		}
		defer db.Close()
		orders = db
		tokenDB = db.Bucket("token")
		priceDB = db.Bucket("prices")
		deliveryDB = db.Bucket("deliveries")
		credDB = db.Bucket("credentials")
		scoreDB = db.Bucket("scores")
		nonceDB = db.Bucket("nonces")
		sugar.Infow("storage_opened", "dir", cfg.Node.DataDir)
	} else {
		orders = escrow.NewMemStore()
		sugar.Warn("storage_in_memory - state is lost on exit")
	}

	// ---- Collateral token, registries, oracles ----
	clock := util.RealClock{}
	info := token.Info{Address: cfg.Token.Address, Symbol: cfg.Token.Symbol, Decimals: cfg.Token.Decimals}
	tok, err := token.NewLedger(info, cfg.Roles.TokenMinter, tokenDB, sugar.Named("token"))
	if err != nil {
		sugar.Fatalw("token_init_failed", "err", err)
	}
	vault := token.NewVault(tok, cfg.Escrow.Custody)

	prices, err := oracle.NewPriceFeed(cfg.Roles.PriceFeeder, clock, priceDB, sugar.Named("prices"))
	if err != nil {
		sugar.Fatalw("price_feed_init_failed", "err", err)
	}
	deliveries, err := oracle.NewDeliveryFeed(cfg.Roles.DeliveryReporter, deliveryDB, sugar.Named("deliveries"))
	if err != nil {
		sugar.Fatalw("delivery_feed_init_failed", "err", err)
	}
	creds, err := registry.NewCredentials(cfg.Roles.Verifier, clock, credDB, sugar.Named("credentials"))
	if err != nil {
		sugar.Fatalw("credentials_init_failed", "err", err)
	}
	scores, err := registry.NewCreditScores(cfg.Roles.ScoreUpdater, scoreDB, sugar.Named("scores"))
	if err != nil {
		sugar.Fatalw("scores_init_failed", "err", err)
	}

	// ---- Escrow ledger ----
	ledger, err := escrow.NewLedger(cfg.EscrowConfig(), escrow.Deps{
		Prices:      prices,
		Deliveries:  deliveries,
		Credentials: creds,
		Scores:      scores,
		Collateral:  escrow.Assets{info.Address: vault},
		Store:       orders,
		Clock:       clock,
		Logger:      sugar.Named("escrow"),
	})
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}

	// ---- API Server ----
	server, err := api.NewServer(api.Deps{
		Ledger:      ledger,
		Token:       tok,
		Vault:       vault,
		Prices:      prices,
		Deliveries:  deliveries,
		Credentials: creds,
		Scores:      scores,
		Nonces:      nonceDB,
		Logger:      sugar.Named("api"),
	}, api.Options{
		RequireSignatures: cfg.Node.RequireSignatures,
		Domain:            cfg.Domain(),
		RatePerSec:        cfg.Node.RatePerSec,
		RateBurst:         cfg.Node.RateBurst,
		AllowedOrigins:    cfg.Node.AllowedOrigins,
		TrustedProxies:    cfg.Node.TrustedProxies,
	})
	if err != nil {
		sugar.Fatalw("api_init_failed", "err", err)
	}

	if cfg.Node.JournalFile != "" {
		journal, err := storage.OpenEventJournal(cfg.Node.JournalFile, sugar.Named("journal"))
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalFile, "err", err)
		}
		defer journal.Close()
		ledger.AddSink(journal)
		sugar.Infow("journal_enabled", "path", cfg.Node.JournalFile)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, cfg.Node.APIAddr) })

	// ---- P2P event relay (optional) ----
	if cfg.P2P.Enable {
		net, err := p2p.NewEventNet(gctx, p2p.Config{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		net.SetHandler(func(_ context.Context, w p2p.EventWire) {
			server.Hub().PublishRemote(w.Origin, w.Event)
		})
		ledger.AddSink(net)
		g.Go(func() error { return net.Run(gctx) })
		sugar.Infow("p2p_enabled", "addrs", net.Addrs())
	}

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"collateral", info.Symbol,
		"custody", cfg.Escrow.Custody.Hex(),
		"fee_bps", cfg.Escrow.FeeBps,
		"tiers", cfg.Escrow.Tiers.String(),
		"require_signatures", cfg.Node.RequireSignatures)

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
