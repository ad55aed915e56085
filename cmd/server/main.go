package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/thanhnp/chainforensics/internal/analysis"
	"github.com/thanhnp/chainforensics/internal/api"
	"github.com/thanhnp/chainforensics/internal/config"
	"github.com/thanhnp/chainforensics/internal/entities"
	"github.com/thanhnp/chainforensics/internal/labels"
	"github.com/thanhnp/chainforensics/internal/ledger"
	"github.com/thanhnp/chainforensics/internal/logging"
	"github.com/thanhnp/chainforensics/internal/metrics"
	"github.com/thanhnp/chainforensics/internal/notifier"
	"github.com/thanhnp/chainforensics/internal/rpc"
	"github.com/thanhnp/chainforensics/internal/storage"
	"github.com/thanhnp/chainforensics/internal/sync"
)

const (
	pebbleCacheSize     = 256 << 20
	limiterCleanupEvery = 10 * time.Minute
	limiterIdle         = time.Hour
)

// chainNode is the running state of one enabled chain.
type chainNode struct {
	name   string
	stores *storage.ChainStores
	source rpc.Source
	syncer *sync.Syncer
	cache  *ledger.Cached
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.Component("server")
	log.Info().Msg("Starting ChainForensics server...")

	ents, err := entities.Load(cfg.Entities.File)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load entity table")
	}

	labelStores := storage.NewMultiChainLabelStore()
	lbls := labels.NewService(labelStores)
	svc := analysis.New(cfg.Analysis, ents, lbls)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var nodes []*chainNode
	for _, chain := range []struct {
		name string
		cfg  config.ChainConfig
	}{
		{"btc", cfg.Bitcoin},
		{"ltc", cfg.Litecoin},
	} {
		if !chain.cfg.Enabled {
			continue
		}
		node, err := startChain(ctx, log, cfg, chain.name, chain.cfg, svc)
		if err != nil {
			log.Fatal().Err(err).Str("chain", chain.name).Msg("Failed to start chain")
		}
		labelStores.RegisterChain(chain.name, node.stores.LabelStore)
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		log.Warn().Msg("No chain enabled; analysis endpoints will reject every chain")
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := api.NewRouter(svc, lbls, cfg.RateLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build router")
	}
	go func() {
		ticker := time.NewTicker(limiterCleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				router.Limiter().Cleanup(limiterIdle)
			}
		}
	}()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start HTTP server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Cancel context to stop syncers
	cancel()
	for _, n := range nodes {
		n.stop(log)
	}

	log.Info().Msg("Server stopped")
}

// startChain opens the chain database, connects to the node, starts the
// syncer and registers the cached ledger index with svc.
func startChain(ctx context.Context, log zerolog.Logger, cfg *config.Config, name string, chainCfg config.ChainConfig, svc *analysis.Service) (*chainNode, error) {
	dbPath := filepath.Join(cfg.Pebble.Path, name)
	log.Info().Str("chain", name).Str("path", dbPath).Msg("Opening Pebble database")
	db, err := storage.NewPebbleDB(dbPath, pebbleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", name, err)
	}
	stores := storage.NewChainStores(db)

	var (
		source   rpc.Source
		validate analysis.AddressValidator
	)
	switch name {
	case "btc":
		params, err := rpc.BTCParams(chainCfg.Network)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		client, err := rpc.ConnectBTC(&chainCfg)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		source, validate = client, analysis.BTCAddressValidator(params)
	case "ltc":
		params, err := rpc.LTCParams(chainCfg.Network)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		client, err := rpc.ConnectLTC(&chainCfg)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		source, validate = client, analysis.LTCAddressValidator(params)
	default:
		_ = stores.Close()
		return nil, fmt.Errorf("unsupported chain %q", name)
	}

	poller := notifier.NewPoller(source, chainCfg.PollInterval)
	poller.SetHashLookup(func(height int64) (string, error) {
		return stores.BlockStore.HashAt(name, height)
	})

	cache := ledger.NewCached(ledger.NewLocal(name, stores), cfg.Cache.TTL, cfg.Cache.Capacity)
	cache.Start()

	syncer := sync.NewSyncer(poller, stores, chainCfg.StartHeight)
	syncer.OnBlockApplied(func(height int64) {
		cache.Invalidate(height)
		metrics.SyncedHeight.WithLabelValues(name).Set(float64(height))
	})
	if err := syncer.Start(ctx); err != nil {
		cache.Stop()
		source.Close()
		_ = stores.Close()
		return nil, fmt.Errorf("start %s syncer: %w", name, err)
	}
	log.Info().Str("chain", name).Msg("Syncer started")

	svc.AddChain(analysis.Chain{
		Name:            name,
		Index:           cache,
		ValidateAddress: validate,
		NodeTip:         source.GetCurrentHeight,
	})

	return &chainNode{name: name, stores: stores, source: source, syncer: syncer, cache: cache}, nil
}

func (n *chainNode) stop(log zerolog.Logger) {
	if err := n.syncer.Stop(); err != nil {
		log.Error().Err(err).Str("chain", n.name).Msg("Error stopping syncer")
	}
	n.cache.Stop()
	n.source.Close()
	if err := n.stores.Close(); err != nil {
		log.Error().Err(err).Str("chain", n.name).Msg("Error closing chain database")
	}
}
