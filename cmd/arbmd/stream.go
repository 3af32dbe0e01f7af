package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/orchestrator"
	"arbitrage-md-ingest/internal/ratelimit"
	"arbitrage-md-ingest/internal/registry"
	"arbitrage-md-ingest/internal/stream"
)

var (
	flagStreamSymbols   string
	flagStreamDepth     int
	flagMonitorInterval time.Duration
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run live WebSocket market data streams",
	Long: `stream opens one WebSocket connector per selected exchange and kind,
publishes every decoded event into the redis cache and writes aligned
price snapshots to postgres. Dead transports are revived every
monitor interval.`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	fs := streamCmd.Flags()
	fs.StringVar(&flagStreamSymbols, "symbols", "", "comma-separated canonical symbols (BASE/QUOTE); empty streams the full catalogue")
	fs.IntVar(&flagStreamDepth, "depth", connector.DefaultDepthLimit, "order book depth per stream")
	fs.DurationVar(&flagMonitorInterval, "monitor-interval", stream.DefaultMonitorInterval, "transport health probe interval")
}

func runStream(cmd *cobra.Command, args []string) error {
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

	symbols := splitCSV(flagStreamSymbols)
	opts := connector.Options{
		Testing: flagTesting,
		Logger:  &log,
		Redis:   rdb,
		REST:    ratelimit.New(log),
	}

	manager := stream.NewManager(flagStreamDepth, log)
	for _, key := range keys {
		conn, err := registry.Build(key.Exchange, key.Kind, opts)
		if err != nil {
			return err
		}
		pub := orchestrator.NewPublisher(key.Exchange, key.Kind, rdb, db.Repository().Snapshots, orchestrator.DefaultConfig(), log)
		manager.Add(conn, pub, symbols)
	}
	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	go manager.Monitor(ctx, flagMonitorInterval)

	live, total := manager.Live()
	log.Info().Int("live", live).Int("total", total).Msg("ingest running")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}
