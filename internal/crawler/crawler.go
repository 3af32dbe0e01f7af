// Package crawler periodically walks the token universe of one
// (exchange, kind) connector: it discovers which tokens the venue
// trades, records a price for each, and collects depth, kline, and
// funding artifacts behind per-artifact freshness windows. The windows
// bound the per-symbol REST rate of every artifact at one call per
// window, independent of how often the crawler ticks.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/metrics"
	"arbitrage-md-ingest/internal/orchestrator"
	"arbitrage-md-ingest/internal/service"
	"arbitrage-md-ingest/internal/store"
)

// ServiceName keys the persisted configuration blob.
const ServiceName = "CrawlerService"

// quoteAsset is the quote side the crawler tracks per token.
const quoteAsset = "USDT"

// DefaultTickInterval spaces Runner passes. Freshness windows, not the
// tick rate, bound the REST load, so a tight tick is safe.
const DefaultTickInterval = time.Minute

// withdrawWindow spaces venue-wide withdraw metadata refreshes; the
// data changes rarely.
const withdrawWindow = time.Hour

// Artifact names used in window keys and metrics.
const (
	artifactBook           = "liquidity_book"
	artifactFunding        = "funding_rate"
	artifactFundingHistory = "funding_history"
	artifactWithdraw       = "withdraw_info"
)

// Ignore comments distinguish why a token carries no coverage.
const (
	commentNotOnExchange = "not on exchange"
	commentNotInTokens   = "missing from tokens list"
)

// Config is the persisted service configuration. The window minutes
// bound each artifact's per-symbol fetch rate; the two factors are
// carried for liquidity derivation over the stored books and bars.
type Config struct {
	FundingRateWindowMin      int `json:"funding_rate_window_min"`
	FundingHistoryWindowMin   int `json:"funding_history_window_min"`
	LiquidityBookWindowMin    int `json:"liquidity_book_window_min"`
	LiquidityBookDepthFactor  int `json:"liquidity_book_depth_factor"`
	LiquidityBookAmountFactor int `json:"liquidity_book_amount_factor"`
}

// DefaultConfig returns the windows the service starts from.
func DefaultConfig() Config {
	return Config{
		FundingRateWindowMin:      15,
		FundingHistoryWindowMin:   60,
		LiquidityBookWindowMin:    30,
		LiquidityBookDepthFactor:  5,
		LiquidityBookAmountFactor: 1000,
	}
}

func (c Config) bookWindow() time.Duration {
	return time.Duration(c.LiquidityBookWindowMin) * time.Minute
}

func (c Config) fundingWindow() time.Duration {
	return time.Duration(c.FundingRateWindowMin) * time.Minute
}

func (c Config) historyWindow() time.Duration {
	return time.Duration(c.FundingHistoryWindowMin) * time.Minute
}

// Publisher is the orchestrator surface the crawler publishes through.
type Publisher interface {
	PublishPrice(ctx context.Context, pair connector.CurrencyPair) error
	PublishBookDepth(ctx context.Context, depth connector.BookDepth, strategy orchestrator.Strategy) error
	PublishCandlesticks(ctx context.Context, candles []connector.CandleStick, strategy orchestrator.Strategy) error
	PublishFundingRate(ctx context.Context, rate connector.FundingRate) error
	PublishFundingHistory(ctx context.Context, symbol string, points []connector.FundingRatePoint) error
	PublishWithdrawInfo(ctx context.Context, info map[string][]connector.WithdrawInfo) error
}

// Service crawls one (exchange, kind) connector.
type Service struct {
	service.Base

	common connector.Common
	spot   connector.Spot      // set when the connector kind is spot
	perp   connector.Perpetual // set when the connector kind is perpetual

	pub   Publisher
	repos store.Repository
	cfg   Config
	log   zerolog.Logger

	now func() time.Time
}

// New builds the crawler around conn and resolves its persisted
// configuration, falling back to the declared defaults.
func New(ctx context.Context, uow *service.UnitOfWork, registry *service.ConfigRegistry, repos store.Repository, conn connector.Common, pub Publisher) (*Service, error) {
	s := &Service{
		Base:   service.NewBase(ServiceName, uow),
		common: conn,
		pub:    pub,
		repos:  repos,
		cfg:    DefaultConfig(),
		now:    time.Now,
	}
	switch c := conn.(type) {
	case connector.Spot:
		s.spot = c
	case connector.Perpetual:
		s.perp = c
	default:
		return nil, fmt.Errorf("crawler: connector %s-%s has no catalogue surface", conn.Exchange(), conn.Kind())
	}
	s.log = s.Log().With().
		Str("exchange", string(conn.Exchange())).
		Str("kind", string(conn.Kind())).
		Logger()

	if registry != nil {
		if err := registry.Load(ctx, ServiceName, &s.cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config returns the resolved service configuration.
func (s *Service) Config() Config { return s.cfg }

// Run executes one crawl pass end to end. Per-token failures are
// confined to their iteration rows; Run errors only when the pass as a
// whole cannot proceed.
func (s *Service) Run(ctx context.Context) error {
	ex, kind := string(s.common.Exchange()), string(s.common.Kind())
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CrawlerRunDuration, ex, kind)

	job, err := s.repos.Jobs.Prepare(ctx, ex, kind, s.now())
	if err != nil {
		return err
	}
	runErr := s.crawl(ctx, job)

	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	if err := s.repos.Jobs.Finish(ctx, job.ID, s.now(), msg); err != nil {
		if runErr == nil {
			return err
		}
		s.log.Error().Err(err).Msg("finish job failed")
	}
	return runErr
}

func (s *Service) crawl(ctx context.Context, job *store.CrawlerJob) error {
	tokens, err := s.repos.Tokens.List(ctx)
	if err != nil {
		return err
	}
	tokens = dedupeBySymbol(tokens)

	symbols, err := s.catalogue(ctx)
	if err != nil {
		return err
	}

	// One batch call prices every listed token.
	var listed []string
	for _, tok := range tokens {
		if sym, ok := symbols[strings.ToUpper(tok.Symbol)]; ok {
			listed = append(listed, sym)
		}
	}
	prices := make(map[string]connector.CurrencyPair, len(listed))
	if len(listed) > 0 {
		pairs, err := s.common.GetPairs(ctx, listed)
		if err != nil {
			return fmt.Errorf("crawler: batch pairs: %w", err)
		}
		for _, p := range pairs {
			prices[p.Base] = p
		}
	}

	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mark(ctx, job.ID, tok, prices)
	}

	if err := s.sweepOrphans(ctx, job.ID, tokens); err != nil {
		s.log.Warn().Err(err).Msg("orphan sweep failed")
	}

	pending, err := s.repos.Iterations.ListByStatus(ctx, job.ID, store.StatusPending)
	if err != nil {
		return err
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.collect(ctx, &pending[i])
	}

	if s.spot != nil {
		s.refreshWithdrawInfo(ctx)
	}
	return nil
}

// mark upserts the token's iteration row and decides pending vs
// ignore: tokens priced by the batch call go pending with their pair
// stored and published, the rest are ignored as off-exchange.
func (s *Service) mark(ctx context.Context, jobID int64, tok store.Token, prices map[string]connector.CurrencyPair) {
	now := s.now()
	it, err := s.repos.Iterations.FindOrCreate(ctx, jobID, tok.Symbol, now)
	if err != nil {
		s.log.Error().Err(err).Str("token", tok.Symbol).Msg("iteration upsert failed")
		return
	}
	it.LastUpdate = now

	pair, priced := prices[strings.ToUpper(tok.Symbol)]
	if !priced {
		s.ignore(ctx, it, commentNotOnExchange)
		return
	}

	blob, err := store.MarshalArtifact(pair)
	if err != nil {
		s.fail(ctx, it, err, nil)
		return
	}
	it.Symbol = pair.Symbol()
	it.CurrencyPair = blob
	it.Status = store.StatusPending
	it.Done = false
	it.Stop = nil
	it.Comment = nil
	it.Error = nil
	if err := s.repos.Iterations.Update(ctx, it); err != nil {
		s.log.Error().Err(err).Str("token", tok.Symbol).Msg("iteration update failed")
		return
	}
	if err := s.pub.PublishPrice(ctx, pair); err != nil {
		s.fail(ctx, it, err, nil)
	}
}

// ignore finalizes an iteration as skipped this run.
func (s *Service) ignore(ctx context.Context, it *store.CrawlerIteration, comment string) {
	now := s.now()
	it.Status = store.StatusIgnore
	it.Comment = &comment
	it.Error = nil
	it.Done = false
	it.Stop = &now
	it.LastUpdate = now
	if err := s.repos.Iterations.Update(ctx, it); err != nil {
		s.log.Error().Err(err).Str("token", it.Token).Msg("iteration update failed")
		return
	}
	s.countIteration(store.StatusIgnore)
}

// fail finalizes an iteration as errored, keeping any artifact columns
// already gathered this run. A stack is attached for panics.
func (s *Service) fail(ctx context.Context, it *store.CrawlerIteration, cause error, stack []byte) {
	now := s.now()
	msg := cause.Error()
	if len(stack) > 0 {
		msg += "\n" + string(stack)
	}
	it.Status = store.StatusError
	it.Error = &msg
	it.Done = false
	it.Stop = &now
	it.LastUpdate = now
	s.log.Warn().Err(cause).Str("token", it.Token).Msg("iteration failed")
	if err := s.repos.Iterations.Update(ctx, it); err != nil {
		s.log.Error().Err(err).Str("token", it.Token).Msg("iteration update failed")
		return
	}
	s.countIteration(store.StatusError)
}

// sweepOrphans flags iteration rows whose token has left the token
// table since the row was created.
func (s *Service) sweepOrphans(ctx context.Context, jobID int64, tokens []store.Token) error {
	known := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		known[tok.Symbol] = struct{}{}
	}
	its, err := s.repos.Iterations.List(ctx, jobID)
	if err != nil {
		return err
	}
	for i := range its {
		it := &its[i]
		if _, ok := known[it.Token]; ok {
			continue
		}
		if it.Status == store.StatusIgnore && it.Comment != nil && *it.Comment == commentNotInTokens {
			continue
		}
		s.ignore(ctx, it, commentNotInTokens)
	}
	return nil
}

// collect attempts every window-open artifact of a pending iteration
// and finalizes its status. A panic stays confined to the iteration.
func (s *Service) collect(ctx context.Context, it *store.CrawlerIteration) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, it, fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()

	collected, err := s.artifacts(ctx, it)
	if err != nil {
		s.fail(ctx, it, err, nil)
		return
	}

	now := s.now()
	it.LastUpdate = now
	if collected > 0 {
		it.Status = store.StatusSuccess
		it.Done = true
		it.Stop = &now
	}
	if err := s.repos.Iterations.Update(ctx, it); err != nil {
		s.log.Error().Err(err).Str("token", it.Token).Msg("iteration update failed")
		return
	}
	s.countIteration(it.Status)
}

func (s *Service) artifacts(ctx context.Context, it *store.CrawlerIteration) (int, error) {
	collected, err := s.collectBook(ctx, it)
	if err != nil {
		return collected, err
	}
	if s.perp == nil {
		return collected, nil
	}

	n, err := s.collectFunding(ctx, it)
	collected += n
	if err != nil {
		return collected, err
	}
	n, err = s.collectFundingHistory(ctx, it)
	collected += n
	return collected, err
}

// collectBook fetches the depth and kline pair behind the liquidity
// window. The window closes only on a usable book payload, so an empty
// answer is retried next tick.
func (s *Service) collectBook(ctx context.Context, it *store.CrawlerIteration) (int, error) {
	key := s.windowKey(artifactBook, it.Symbol)
	if s.windowClosed(ctx, key) {
		return 0, nil
	}

	depth, err := s.common.GetDepth(ctx, it.Symbol, connector.DefaultDepthLimit)
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", it.Symbol, err)
	}
	klines, err := s.common.GetKlines(ctx, it.Symbol, connector.DefaultKlineLimit)
	if err != nil {
		return 0, fmt.Errorf("klines %s: %w", it.Symbol, err)
	}
	if depth.Empty() {
		return 0, nil
	}

	blob, err := store.MarshalArtifact(depth)
	if err != nil {
		return 0, err
	}
	it.BookDepth = blob
	if len(klines) > 0 {
		if blob, err = store.MarshalArtifact(klines); err != nil {
			return 0, err
		}
		it.Klines = blob
	}
	s.closeWindow(ctx, key, s.cfg.bookWindow())
	s.countArtifact(artifactBook)

	if err := s.pub.PublishBookDepth(ctx, *depth, orchestrator.Replace); err != nil {
		return 1, err
	}
	if len(klines) > 0 {
		if err := s.pub.PublishCandlesticks(ctx, klines, orchestrator.Merge); err != nil {
			return 1, err
		}
	}
	return 1, nil
}

func (s *Service) collectFunding(ctx context.Context, it *store.CrawlerIteration) (int, error) {
	key := s.windowKey(artifactFunding, it.Symbol)
	if s.windowClosed(ctx, key) {
		return 0, nil
	}

	rate, err := s.perp.GetFundingRate(ctx, it.Symbol)
	if err != nil {
		return 0, fmt.Errorf("funding rate %s: %w", it.Symbol, err)
	}
	if rate == nil {
		return 0, nil
	}

	blob, err := store.MarshalArtifact(rate)
	if err != nil {
		return 0, err
	}
	it.FundingRate = blob
	if rate.NextFundingUTC > 0 || rate.NextRate != 0 {
		next := connector.FundingRatePoint{FundingTimeUTC: rate.NextFundingUTC, Rate: rate.NextRate}
		if blob, err = store.MarshalArtifact(next); err != nil {
			return 0, err
		}
		it.NextFundingRate = blob
	}
	s.closeWindow(ctx, key, s.cfg.fundingWindow())
	s.countArtifact(artifactFunding)

	if err := s.pub.PublishFundingRate(ctx, *rate); err != nil {
		return 1, err
	}
	return 1, nil
}

func (s *Service) collectFundingHistory(ctx context.Context, it *store.CrawlerIteration) (int, error) {
	key := s.windowKey(artifactFundingHistory, it.Symbol)
	if s.windowClosed(ctx, key) {
		return 0, nil
	}

	points, err := s.perp.GetFundingRateHistory(ctx, it.Symbol, connector.DefaultKlineLimit)
	if err != nil {
		return 0, fmt.Errorf("funding history %s: %w", it.Symbol, err)
	}
	if len(points) == 0 {
		return 0, nil
	}

	blob, err := store.MarshalArtifact(points)
	if err != nil {
		return 0, err
	}
	it.FundingRateHistory = blob
	s.closeWindow(ctx, key, s.cfg.historyWindow())
	s.countArtifact(artifactFundingHistory)

	if err := s.pub.PublishFundingHistory(ctx, it.Symbol, points); err != nil {
		return 1, err
	}
	return 1, nil
}

// refreshWithdrawInfo republishes the venue's transferability map.
// Best effort: token coverage does not depend on it.
func (s *Service) refreshWithdrawInfo(ctx context.Context) {
	key := s.windowKey(artifactWithdraw, "all")
	if s.windowClosed(ctx, key) {
		return
	}

	info, err := s.spot.GetWithdrawInfo(ctx)
	if err != nil {
		if errors.Is(err, connector.ErrNotSupported) {
			// No public endpoint on this venue. Park the window so the
			// probe is not repeated every tick.
			s.closeWindow(ctx, key, withdrawWindow)
			return
		}
		s.log.Warn().Err(err).Msg("withdraw info fetch failed")
		return
	}
	if len(info) == 0 {
		return
	}
	s.closeWindow(ctx, key, withdrawWindow)
	s.countArtifact(artifactWithdraw)

	if err := s.pub.PublishWithdrawInfo(ctx, info); err != nil {
		s.log.Warn().Err(err).Msg("withdraw info publish failed")
	}
}

// catalogue maps each base asset to its canonical USDT market.
func (s *Service) catalogue(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if s.spot != nil {
		tickers, err := s.spot.GetAllTickers(ctx)
		if err != nil {
			return nil, fmt.Errorf("crawler: list tickers: %w", err)
		}
		for _, t := range tickers {
			if !t.IsSpotEnabled || t.Quote != quoteAsset {
				continue
			}
			if _, dup := out[t.Base]; !dup {
				out[t.Base] = t.Symbol
			}
		}
		return out, nil
	}

	perps, err := s.perp.GetAllPerpetuals(ctx)
	if err != nil {
		return nil, fmt.Errorf("crawler: list perpetuals: %w", err)
	}
	for _, t := range perps {
		if t.Quote != quoteAsset {
			continue
		}
		if _, dup := out[t.Base]; !dup {
			out[t.Base] = t.Symbol
		}
	}
	return out, nil
}

// windowKey builds arbitrage:crawler:{ex}-{kind}:window:{artifact}:{symbol}.
func (s *Service) windowKey(artifact, symbol string) string {
	return fmt.Sprintf("arbitrage:crawler:%s-%s:window:%s:%s",
		s.common.Exchange(), s.common.Kind(), artifact, symbol)
}

// windowClosed reports whether the artifact's freshness window is
// still running. Cache failures count as closed, the same fail-closed
// bias the throttler has.
func (s *Service) windowClosed(ctx context.Context, key string) bool {
	n, err := s.Redis().Exists(ctx, key).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("window check failed")
		return true
	}
	return n > 0
}

// closeWindow suppresses refetches of the artifact for the window
// length. Called only once a usable payload is in hand.
func (s *Service) closeWindow(ctx context.Context, key string, window time.Duration) {
	if err := s.Redis().Set(ctx, key, "1", window).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("window set failed")
	}
}

func (s *Service) countIteration(status string) {
	metrics.CrawlerIterations.WithLabelValues(
		string(s.common.Exchange()), string(s.common.Kind()), status).Inc()
}

func (s *Service) countArtifact(artifact string) {
	metrics.CrawlerArtifacts.WithLabelValues(
		string(s.common.Exchange()), string(s.common.Kind()), artifact).Inc()
}

// dedupeBySymbol keeps the first row per symbol, preserving id order.
func dedupeBySymbol(tokens []store.Token) []store.Token {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if _, dup := seen[tok.Symbol]; dup {
			continue
		}
		seen[tok.Symbol] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Runner drives Service.Run on a fixed tick until its context ends.
type Runner struct {
	svc      *Service
	interval time.Duration
}

// NewRunner wraps svc. A non-positive interval falls back to the
// default tick.
func NewRunner(svc *Service, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Runner{svc: svc, interval: interval}
}

// Run crawls immediately and then once per tick, returning when ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.svc.Run(ctx); err != nil && ctx.Err() == nil {
			r.svc.log.Error().Err(err).Msg("crawl run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
