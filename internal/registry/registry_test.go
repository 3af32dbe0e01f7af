package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-md-ingest/internal/connector"
)

func TestKeysEnumerateEveryVariant(t *testing.T) {
	keys := Keys()
	require.Len(t, keys, 2*len(connector.AllExchanges()))

	assert.Equal(t, Key{Exchange: connector.Binance, Kind: connector.KindSpot}, keys[0])
	assert.Equal(t, Key{Exchange: connector.Binance, Kind: connector.KindPerpetual}, keys[1])

	perExchange := map[connector.ExchangeID]int{}
	for _, k := range keys {
		perExchange[k.Exchange]++
	}
	for _, ex := range connector.AllExchanges() {
		assert.Equal(t, 2, perExchange[ex], ex)
	}
}

func TestBuildEveryVariant(t *testing.T) {
	for _, key := range Keys() {
		t.Run(key.String(), func(t *testing.T) {
			conn, err := Build(key.Exchange, key.Kind, connector.Options{})
			require.NoError(t, err)
			assert.Equal(t, key.Exchange, conn.Exchange())
			assert.Equal(t, key.Kind, conn.Kind())

			switch key.Kind {
			case connector.KindSpot:
				_, ok := conn.(connector.Spot)
				assert.True(t, ok, "spot variants carry the spot capability set")
			case connector.KindPerpetual:
				_, ok := conn.(connector.Perpetual)
				assert.True(t, ok, "perpetual variants carry the perpetual capability set")
			}
		})
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	_, err := Build(connector.Binance, connector.Kind("margin"), connector.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown kind "margin"`)
}

func TestSpotRejectsUnknownExchange(t *testing.T) {
	_, err := Spot(connector.ExchangeID("ftx"), connector.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ftx spot connector")
}

func TestPerpetualRejectsUnknownExchange(t *testing.T) {
	_, err := Perpetual(connector.ExchangeID("ftx"), connector.Options{})
	require.Error(t, err)
}

func TestParseExchange(t *testing.T) {
	for _, ex := range connector.AllExchanges() {
		got, err := ParseExchange(string(ex))
		require.NoError(t, err)
		assert.Equal(t, ex, got)
	}
	_, err := ParseExchange("ftx")
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"spot", "perpetual"} {
		got, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, connector.Kind(name), got)
	}
	_, err := ParseKind("margin")
	require.Error(t, err)
}

func TestKeyString(t *testing.T) {
	key := Key{Exchange: connector.KuCoin, Kind: connector.KindPerpetual}
	assert.Equal(t, "kucoin-perpetual", fmt.Sprint(key))
}
