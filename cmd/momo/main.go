package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"momo/internal/application/port"
	"momo/internal/application/service"
	"momo/internal/application/usecase/trader"
	"momo/internal/infrastructure/config"
	"momo/internal/infrastructure/kite"
	"momo/internal/infrastructure/logger"
	"momo/internal/infrastructure/storage/composite"
	"momo/internal/infrastructure/storage/postgres"
	redisrepo "momo/internal/infrastructure/storage/redis"
	"momo/internal/infrastructure/storage/sqlite"
	"momo/internal/infrastructure/storage/statefile"
	"momo/internal/infrastructure/universe"
	"momo/internal/interfaces/console"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/momo.toml", "path to momo.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := kite.NewClient(cfg.Kite.BaseURL, cfg.Kite.APIKey, cfg.Kite.AccessToken)
	if err := client.CheckSession(ctx); err != nil {
		log.Fatal().Err(err).Msg("kite session check failed")
	}

	instruments, err := client.Instruments(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load instrument dump failed")
	}
	resolver := kite.NewResolver(instruments, "NSE")
	log.Info().Int("instruments", resolver.Len()).Msg("instrument dump loaded")

	symbols, err := universe.Load(cfg.Universe.List, cfg.Universe.File)
	if err != nil {
		log.Fatal().Err(err).Msg("load universe failed")
	}

	store, err := statefile.New(cfg.Storage.StateDir, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("open state dir failed")
	}

	events := buildEventRepo(cfg)
	defer events.Close()

	var stream port.TickStream
	if cfg.Ticker.Enabled {
		stream = kite.NewTicker(cfg.Kite.WsURL, cfg.Kite.APIKey, cfg.Kite.AccessToken)
	}

	svc := trader.New(trader.Deps{
		Quotes:   client,
		Resolver: resolver,
		VWAP:     service.NewVWAPCache(client, cfg.VWAPCacheTTL(), cfg.VWAPLookback()),
		Store:    store,
		Events:   events,
		Sink:     console.NewSink(),
		Stream:   stream,
		Universe: symbols,
		Cfg: trader.Config{
			EntryPctChange:  cfg.Strategy.EntryPctChange,
			StopLossPct:     cfg.Strategy.StopLossPct,
			MinVolumeFloor:  cfg.Strategy.MinVolumeFloor,
			MaxOpenTrades:   cfg.Strategy.MaxOpenTrades,
			CapitalPerTrade: cfg.Strategy.CapitalPerTrade,
			ScanInterval:    cfg.ScanInterval(),
		},
	})

	if err := svc.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("restore trade state failed")
	}

	log.Info().
		Str("config", *configPath).
		Int("universe", len(symbols)).
		Int("max_open_trades", cfg.Strategy.MaxOpenTrades).
		Dur("scan_interval", cfg.ScanInterval()).
		Msg("momo started")

	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("trader exited")
		os.Exit(1)
	}
}

func buildEventRepo(cfg *config.Config) port.EventRepo {
	var repos []port.EventRepo

	if cfg.Storage.Sqlite.Enabled {
		repo, err := sqlite.New(cfg.Storage.Sqlite.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("open sqlite failed")
		}
		repos = append(repos, repo)
	}
	if cfg.Storage.Postgres.Enabled {
		repo, err := postgres.New(cfg.Storage.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres failed")
		}
		repos = append(repos, repo)
	}
	if cfg.Storage.Redis.Enabled {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Pass,
			DB:       cfg.Storage.Redis.DB,
		})
		repos = append(repos, redisrepo.New(rdb, "momo", 24*time.Hour, "", ""))
	}

	if len(repos) == 0 {
		return trader.NewNoopRepo()
	}
	return composite.New(repos...)
}
