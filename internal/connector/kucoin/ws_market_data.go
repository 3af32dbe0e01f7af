package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

// Symbols carried per subscribe frame. The server allows 100; staying
// below keeps frames small.
const maxSymbolsPerTopic = 50

type wsCommand struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	wsHost  string // test override; production endpoints come from the bullet
	rest    *restClient
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // native -> canonical
	depth int
}

func newMarketStream(kind connector.Kind, opts connector.Options, rest *restClient, symbols *connector.SymbolMap) *marketStream {
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.KuCoin)).Str("kind", string(kind)).Logger(),
		wsHost:  opts.WSHost,
		rest:    rest,
		symbols: symbols,
		names:   make(map[string]string),
	}
}

// open performs the bullet handshake, dials the returned endpoint and
// subscribes. The server replies with a welcome frame and expects a
// ping on the cadence it announced.
func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	blt, err := s.rest.fetchBullet(ctx)
	if err != nil {
		return err
	}
	endpoint := blt.Endpoint
	if s.wsHost != "" {
		endpoint = s.wsHost
	}
	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s", endpoint, blt.Token, uuid.NewString())

	sess, err := connector.DialSession(ctx, wsURL, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.KuCoin),
		Kind:     string(s.kind),
		OnFrame:  s.onFrame,
		Deliver:  s.deliver,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.names = make(map[string]string, len(symbols))
	s.depth = depth
	s.mu.Unlock()

	sess.StartPinger(blt.PingInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sess.WriteJSON(ctx, wsCommand{ID: uuid.NewString(), Type: "ping"})
	})

	if err := s.applySubscribe(symbols); err != nil {
		s.close()
		return err
	}
	return nil
}

func (s *marketStream) close() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (s *marketStream) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil && s.sess.Alive()
}

func (s *marketStream) applySubscribe(symbols []string) error {
	natives, err := s.register(symbols)
	if err != nil {
		return err
	}
	return s.sendTopics("subscribe", natives)
}

func (s *marketStream) applyUnsubscribe(symbols []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	natives := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := s.symbols.Native(ctx, symbol)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		natives = append(natives, native)
	}

	s.mu.Lock()
	for _, native := range natives {
		delete(s.names, native)
	}
	s.mu.Unlock()

	return s.sendTopics("unsubscribe", natives)
}

func (s *marketStream) register(symbols []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	natives := make([]string, 0, len(symbols))
	canon := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := s.symbols.Native(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Warn().Str("symbol", symbol).Msg("skipping unknown symbol")
			continue
		}
		canonical, _, _ := s.symbols.Canonical(ctx, native)
		canon[native] = canonical
		natives = append(natives, native)
	}

	s.mu.Lock()
	for native, canonical := range canon {
		s.names[native] = canonical
	}
	s.mu.Unlock()
	return natives, nil
}

func (s *marketStream) topicPrefixes() (ticker, depth, candle string) {
	if s.kind == connector.KindPerpetual {
		return "/contractMarket/tickerV2", "/contractMarket/level2Depth%d", "/contractMarket/candle"
	}
	return "/market/ticker", "/spotMarket/level2Depth%d", "/market/candles"
}

func (s *marketStream) sendTopics(op string, natives []string) error {
	if len(natives) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	depth := s.depth
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("kucoin: stream not open")
	}

	tickerPrefix, depthPrefix, candlePrefix := s.topicPrefixes()
	level := 5
	if depth > 5 {
		level = 50
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for start := 0; start < len(natives); start += maxSymbolsPerTopic {
		end := start + maxSymbolsPerTopic
		if end > len(natives) {
			end = len(natives)
		}
		chunk := natives[start:end]

		withSuffix := make([]string, len(chunk))
		for i, native := range chunk {
			withSuffix[i] = native + "_1min"
		}

		topics := []string{
			tickerPrefix + ":" + strings.Join(chunk, ","),
			candlePrefix + ":" + strings.Join(withSuffix, ","),
		}
		if depth > 0 {
			topics = append(topics, fmt.Sprintf(depthPrefix, level)+":"+strings.Join(chunk, ","))
		}
		for _, topic := range topics {
			cmd := wsCommand{ID: uuid.NewString(), Type: op, Topic: topic, Response: true}
			if err := sess.WriteJSON(ctx, cmd); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return nil
}

func (s *marketStream) onFrame(_ int, data []byte) []connector.Event {
	var frame struct {
		Type    string          `json:"type"`
		Topic   string          `json:"topic"`
		Subject string          `json:"subject"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("unparseable frame")
		return nil
	}
	if frame.Type != "message" {
		if frame.Type == "error" {
			s.log.Warn().RawJSON("frame", data).Msg("stream error frame")
		}
		return nil
	}

	prefix, instPart, found := strings.Cut(frame.Topic, ":")
	if !found {
		return nil
	}

	tickerPrefix, depthPrefix, candlePrefix := s.topicPrefixes()
	switch {
	case prefix == tickerPrefix:
		return s.decodeTicker(instPart, frame.Data)
	case prefix == fmt.Sprintf(depthPrefix, 5) || prefix == fmt.Sprintf(depthPrefix, 50):
		return s.decodeDepth(instPart, frame.Data)
	case prefix == candlePrefix:
		return s.decodeCandle(strings.TrimSuffix(instPart, "_1min"), frame.Data)
	}
	return nil
}

func (s *marketStream) canonicalFor(native string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[native]
}

func (s *marketStream) decodeTicker(native string, data json.RawMessage) []connector.Event {
	canonical := s.canonicalFor(native)
	if canonical == "" {
		return nil
	}

	if s.kind == connector.KindPerpetual {
		var row struct {
			BestBidPrice string      `json:"bestBidPrice"`
			BestBidSize  json.Number `json:"bestBidSize"`
			BestAskPrice string      `json:"bestAskPrice"`
			BestAskSize  json.Number `json:"bestAskSize"`
			TS           int64       `json:"ts"`
		}
		if err := json.Unmarshal(data, &row); err != nil {
			return nil
		}
		bidQty, _ := row.BestBidSize.Float64()
		askQty, _ := row.BestAskSize.Float64()
		return []connector.Event{{Book: &connector.BookTicker{
			Symbol:   canonical,
			BidPrice: parseFloat(row.BestBidPrice),
			BidQty:   bidQty,
			AskPrice: parseFloat(row.BestAskPrice),
			AskQty:   askQty,
			UTC:      toUTCSeconds(row.TS),
		}}}
	}

	var row struct {
		Sequence    string `json:"sequence"`
		BestBid     string `json:"bestBid"`
		BestBidSize string `json:"bestBidSize"`
		BestAsk     string `json:"bestAsk"`
		BestAskSize string `json:"bestAskSize"`
		Time        int64  `json:"time"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:   canonical,
		BidPrice: parseFloat(row.BestBid),
		BidQty:   parseFloat(row.BestBidSize),
		AskPrice: parseFloat(row.BestAsk),
		AskQty:   parseFloat(row.BestAskSize),
		UTC:      toUTCSeconds(row.Time),
	}}}
}

// decodeDepth reads level2Depth pushes. Every push is a full snapshot
// of the subscribed depth.
func (s *marketStream) decodeDepth(native string, data json.RawMessage) []connector.Event {
	canonical := s.canonicalFor(native)
	if canonical == "" {
		return nil
	}

	var depth *connector.BookDepth
	if s.kind == connector.KindPerpetual {
		var row struct {
			Sequence int64       `json:"sequence"`
			Bids     [][]float64 `json:"bids"`
			Asks     [][]float64 `json:"asks"`
			TS       int64       `json:"ts"`
		}
		if err := json.Unmarshal(data, &row); err != nil {
			return nil
		}
		depth = &connector.BookDepth{
			Symbol:         canonical,
			ExchangeSymbol: native,
			Bids:           parseNumberLevels(row.Bids),
			Asks:           parseNumberLevels(row.Asks),
			LastUpdateID:   row.Sequence,
			UTC:            toUTCSeconds(row.TS),
		}
	} else {
		var row struct {
			Bids      [][]string `json:"bids"`
			Asks      [][]string `json:"asks"`
			Timestamp int64      `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &row); err != nil {
			return nil
		}
		depth = &connector.BookDepth{
			Symbol:         canonical,
			ExchangeSymbol: native,
			Bids:           parseStringLevels(row.Bids),
			Asks:           parseStringLevels(row.Asks),
			UTC:            toUTCSeconds(row.Timestamp),
		}
	}
	depth.Sort()
	if depth.Empty() {
		return nil
	}
	return []connector.Event{{Depth: depth}}
}

func (s *marketStream) decodeCandle(native string, data json.RawMessage) []connector.Event {
	var row struct {
		Symbol  string   `json:"symbol"`
		Candles []string `json:"candles"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	if row.Symbol != "" {
		native = row.Symbol
	}
	canonical := s.canonicalFor(native)
	if canonical == "" || len(row.Candles) < 7 {
		return nil
	}
	candles := decodeSpotCandles(canonical, [][]string{row.Candles})
	if len(candles) == 0 {
		return nil
	}
	return []connector.Event{{Kline: &candles[0]}}
}
