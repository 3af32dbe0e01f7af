// Package registry enumerates every supported (exchange, kind) variant
// and builds connectors from that closed set. There is no plugin
// mechanism: adding an exchange means adding its constructor here.
package registry

import (
	"fmt"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/connector/binance"
	"arbitrage-md-ingest/internal/connector/bitfinex"
	"arbitrage-md-ingest/internal/connector/bybit"
	"arbitrage-md-ingest/internal/connector/gate"
	"arbitrage-md-ingest/internal/connector/htx"
	"arbitrage-md-ingest/internal/connector/kucoin"
	"arbitrage-md-ingest/internal/connector/mexc"
	"arbitrage-md-ingest/internal/connector/okx"
)

// Key tags one concrete connector variant.
type Key struct {
	Exchange connector.ExchangeID
	Kind     connector.Kind
}

func (k Key) String() string {
	return string(k.Exchange) + "-" + string(k.Kind)
}

var spotBuilders = map[connector.ExchangeID]func(connector.Options) connector.Spot{
	connector.Binance:  func(o connector.Options) connector.Spot { return binance.NewSpot(o) },
	connector.Bybit:    func(o connector.Options) connector.Spot { return bybit.NewSpot(o) },
	connector.OKX:      func(o connector.Options) connector.Spot { return okx.NewSpot(o) },
	connector.KuCoin:   func(o connector.Options) connector.Spot { return kucoin.NewSpot(o) },
	connector.HTX:      func(o connector.Options) connector.Spot { return htx.NewSpot(o) },
	connector.MEXC:     func(o connector.Options) connector.Spot { return mexc.NewSpot(o) },
	connector.Gate:     func(o connector.Options) connector.Spot { return gate.NewSpot(o) },
	connector.Bitfinex: func(o connector.Options) connector.Spot { return bitfinex.NewSpot(o) },
}

var perpetualBuilders = map[connector.ExchangeID]func(connector.Options) connector.Perpetual{
	connector.Binance:  func(o connector.Options) connector.Perpetual { return binance.NewPerpetual(o) },
	connector.Bybit:    func(o connector.Options) connector.Perpetual { return bybit.NewPerpetual(o) },
	connector.OKX:      func(o connector.Options) connector.Perpetual { return okx.NewPerpetual(o) },
	connector.KuCoin:   func(o connector.Options) connector.Perpetual { return kucoin.NewPerpetual(o) },
	connector.HTX:      func(o connector.Options) connector.Perpetual { return htx.NewPerpetual(o) },
	connector.MEXC:     func(o connector.Options) connector.Perpetual { return mexc.NewPerpetual(o) },
	connector.Gate:     func(o connector.Options) connector.Perpetual { return gate.NewPerpetual(o) },
	connector.Bitfinex: func(o connector.Options) connector.Perpetual { return bitfinex.NewPerpetual(o) },
}

// Spot builds the spot connector for an exchange.
func Spot(ex connector.ExchangeID, opts connector.Options) (connector.Spot, error) {
	build, ok := spotBuilders[ex]
	if !ok {
		return nil, fmt.Errorf("registry: no %s spot connector", ex)
	}
	return build(opts), nil
}

// Perpetual builds the perpetual connector for an exchange.
func Perpetual(ex connector.ExchangeID, opts connector.Options) (connector.Perpetual, error) {
	build, ok := perpetualBuilders[ex]
	if !ok {
		return nil, fmt.Errorf("registry: no %s perpetual connector", ex)
	}
	return build(opts), nil
}

// Build constructs any supported variant behind the shared surface.
func Build(ex connector.ExchangeID, kind connector.Kind, opts connector.Options) (connector.Common, error) {
	switch kind {
	case connector.KindSpot:
		s, err := Spot(ex, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case connector.KindPerpetual:
		p, err := Perpetual(ex, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("registry: unknown kind %q", kind)
	}
}

// Keys lists every supported variant in stable order, spot before
// perpetual per exchange.
func Keys() []Key {
	out := make([]Key, 0, len(spotBuilders)+len(perpetualBuilders))
	for _, ex := range connector.AllExchanges() {
		if _, ok := spotBuilders[ex]; ok {
			out = append(out, Key{Exchange: ex, Kind: connector.KindSpot})
		}
		if _, ok := perpetualBuilders[ex]; ok {
			out = append(out, Key{Exchange: ex, Kind: connector.KindPerpetual})
		}
	}
	return out
}

// ParseExchange validates a user-supplied exchange name.
func ParseExchange(name string) (connector.ExchangeID, error) {
	for _, ex := range connector.AllExchanges() {
		if string(ex) == name {
			return ex, nil
		}
	}
	return "", fmt.Errorf("registry: unknown exchange %q", name)
}

// ParseKind validates a user-supplied kind name.
func ParseKind(name string) (connector.Kind, error) {
	switch connector.Kind(name) {
	case connector.KindSpot:
		return connector.KindSpot, nil
	case connector.KindPerpetual:
		return connector.KindPerpetual, nil
	default:
		return "", fmt.Errorf("registry: unknown kind %q", name)
	}
}
