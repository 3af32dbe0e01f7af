package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/connector/cached"
	"arbitrage-md-ingest/internal/crawler"
	"arbitrage-md-ingest/internal/orchestrator"
	"arbitrage-md-ingest/internal/ratelimit"
	"arbitrage-md-ingest/internal/registry"
	"arbitrage-md-ingest/internal/service"
	"arbitrage-md-ingest/internal/store"
)

var (
	flagCrawlTokens   string
	flagCrawlInterval time.Duration
	flagCacheTTL      time.Duration
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Run the periodic REST catalogue crawler",
	Long: `crawl walks the tracked token universe for every selected exchange
and kind: prices each listed token, collects order books, candles and
funding data behind per-symbol freshness windows, and records progress
in postgres.`,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	fs := crawlCmd.Flags()
	fs.StringVar(&flagCrawlTokens, "tokens", "", "comma-separated base symbols seeding an empty token table")
	fs.DurationVar(&flagCrawlInterval, "interval", crawler.DefaultTickInterval, "delay between crawl passes")
	fs.DurationVar(&flagCacheTTL, "cache-ttl", 30*time.Second, "accessor cache TTL; 0 disables the cache")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	log := newLogger()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := resolveKeys()
	if err != nil {
		return err
	}

	rdb, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	metricsSrv := startMetrics(log)
	defer metricsSrv.Stop()

	repos := db.Repository()
	if err := seedTokens(ctx, repos.Tokens, splitCSV(flagCrawlTokens), log); err != nil {
		return err
	}

	uow := &service.UnitOfWork{DB: db.DB(), Redis: rdb, Log: log}
	configs := service.NewConfigRegistry(repos.Configs, log)
	opts := connector.Options{
		Testing: flagTesting,
		Logger:  &log,
		Redis:   rdb,
		REST:    ratelimit.New(log),
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		conn, err := buildCached(key, opts, rdb, log)
		if err != nil {
			return err
		}
		pub := orchestrator.NewPublisher(key.Exchange, key.Kind, rdb, repos.Snapshots, orchestrator.DefaultConfig(), log)
		svc, err := crawler.New(ctx, uow, configs, *repos, conn, pub)
		if err != nil {
			return err
		}
		runner := crawler.NewRunner(svc, flagCrawlInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}

	log.Info().Int("crawlers", len(keys)).Dur("interval", flagCrawlInterval).Msg("crawler running")
	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("shutting down")
	return nil
}

// buildCached wraps a freshly built connector in the accessor cache,
// keeping the concrete capability surface the crawler dispatches on.
func buildCached(key registry.Key, opts connector.Options, rdb *redis.Client, log zerolog.Logger) (connector.Common, error) {
	switch key.Kind {
	case connector.KindSpot:
		inner, err := registry.Spot(key.Exchange, opts)
		if err != nil {
			return nil, err
		}
		return cached.NewSpot(inner, rdb, flagCacheTTL, log), nil
	case connector.KindPerpetual:
		inner, err := registry.Perpetual(key.Exchange, opts)
		if err != nil {
			return nil, err
		}
		return cached.NewPerpetual(inner, rdb, flagCacheTTL, log), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", key.Kind)
	}
}

// seedTokens populates an empty token table from the --tokens flag.
// Deployments with rows already present are left untouched.
func seedTokens(ctx context.Context, tokens store.TokenRepo, symbols []string, log zerolog.Logger) error {
	if len(symbols) == 0 {
		return nil
	}
	existing, err := tokens.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Info().Int("tokens", len(existing)).Msg("token table already populated, seed skipped")
		return nil
	}
	for _, symbol := range symbols {
		if _, err := tokens.Upsert(ctx, strings.ToUpper(symbol), store.SourceManual); err != nil {
			return err
		}
	}
	log.Info().Int("tokens", len(symbols)).Msg("token table seeded")
	return nil
}
