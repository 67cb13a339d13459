package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "dexcycle/internal/blob/s3"
	"dexcycle/internal/cache/redis"
	"dexcycle/internal/config"
	"dexcycle/internal/domain"
	"dexcycle/internal/feed/subgraph"
	"dexcycle/internal/gateway/paper"
	"dexcycle/internal/gateway/uniswap"
	"dexcycle/internal/keys"
	"dexcycle/internal/notify"
	"dexcycle/internal/scorer"
	"dexcycle/internal/store/file"
	"dexcycle/internal/store/postgres"
)

// defaultPaperBalance seeds the dry-run gateway's virtual stable balance.
const defaultPaperBalance = 10_000

// Dependencies bundles everything the application modes need. Optional
// collaborators (Locks, Archiver) are nil when their backend is not
// configured.
type Dependencies struct {
	Store    domain.PositionStore
	History  domain.HistoryStore
	Gateway  domain.ExecutionGateway
	Provider domain.CandidateProvider
	Scorer   *scorer.Scorer
	Notifier *notify.Reporter
	Locks    domain.LockManager
	Archiver *s3blob.Archiver
}

// Wire constructs all concrete dependency implementations from the
// configuration and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	hold := cfg.Strategy.HoldDuration.Duration

	// Position store: single-instance file backend or PostgreSQL.
	switch cfg.Store.Backend {
	case "", "file":
		st, err := file.New(cfg.Store.DataDir, hold)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: file store: %w", err)
		}
		deps.Store = st
		deps.History = st
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		st := postgres.NewPositionStore(pg, hold)
		deps.Store = st
		deps.History = st
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown store backend %q", cfg.Store.Backend)
	}

	// Redis is optional: distributed tick lock plus snapshot cache.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		redisClient = rc
		deps.Locks = redis.NewLockManager(rc)
	}

	// Market data feed.
	timeout := time.Duration(cfg.Subgraph.TimeoutSec) * time.Second
	feedClient := subgraph.NewClient(cfg.Subgraph.Endpoint, cfg.Subgraph.APIKey, timeout)
	deps.Provider = subgraph.NewProvider(feedClient, *cfg, logger)
	if redisClient != nil && cfg.Subgraph.CacheTTLSec > 0 {
		ttl := time.Duration(cfg.Subgraph.CacheTTLSec) * time.Second
		deps.Provider = redis.NewCachedCandidateProvider(deps.Provider, redisClient, ttl, logger)
	}

	// Scoring.
	thresholds := make(map[string]scorer.Thresholds, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		thresholds[t.Symbol] = scorer.Thresholds{
			MinVolumeUSD: t.MinVolumeUSD,
			MinTVLUSD:    t.MinTVLUSD,
		}
	}
	staleness := time.Duration(cfg.Subgraph.StalenessSec) * time.Second
	deps.Scorer = scorer.New(cfg.Strategy, thresholds, staleness)

	// Execution gateway: live when a wallet key is configured, otherwise a
	// paper gateway filling at reference prices.
	stable := domain.Token{
		Symbol:   cfg.Stable.Symbol,
		Address:  cfg.Stable.Address,
		Decimals: cfg.Stable.Decimals,
	}
	if cfg.LiveTrading() {
		key, err := keys.Load(cfg.Wallet)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
		eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: rpc dial %s: %w", cfg.Chain.RPCURL, err)
		}
		closers = append(closers, eth.Close)
		gw, err := uniswap.New(eth, key, cfg.Chain, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: gateway: %w", err)
		}
		deps.Gateway = gw
	} else {
		logger.InfoContext(ctx, "no wallet key configured, using paper gateway")
		deps.Gateway = paper.New(stable, defaultPaperBalance, logger)
	}

	// Trade-log archiver (optional).
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client, deps.History, logger)
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhook))
	}
	deps.Notifier = notify.NewReporter(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
