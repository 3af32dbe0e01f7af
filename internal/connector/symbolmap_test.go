package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMapLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	m := NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		loads.Add(1)
		return map[string]string{
			"BTC/USDT": "BTCUSDT",
			"ETH/USDT": "ETHUSDT",
		}, nil
	})

	ctx := context.Background()

	native, ok, err := m.Native(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", native)

	canonical, ok, err := m.Canonical(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ETH/USDT", canonical)

	assert.Equal(t, int32(1), loads.Load())
}

func TestSymbolMapAcceptsEitherForm(t *testing.T) {
	m := NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"BTC/USDT": "XBTUSDTM"}, nil
	})
	ctx := context.Background()

	// Native lookup with an already-native symbol.
	native, ok, err := m.Native(ctx, "XBTUSDTM")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "XBTUSDTM", native)

	// Canonical lookup with an already-canonical symbol.
	canonical, ok, err := m.Canonical(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", canonical)
}

func TestSymbolMapUnknownSymbol(t *testing.T) {
	m := NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"BTC/USDT": "BTCUSDT"}, nil
	})

	native, ok, err := m.Native(context.Background(), "ZZZ/USDT")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, native)
}

func TestSymbolMapLoadFailure(t *testing.T) {
	boom := errors.New("exchange unreachable")
	m := NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		return nil, boom
	})

	_, _, err := m.Native(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSymbolMapReset(t *testing.T) {
	var loads atomic.Int32
	m := NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		loads.Add(1)
		return map[string]string{"BTC/USDT": "BTCUSDT"}, nil
	})
	ctx := context.Background()

	_, _, err := m.Native(ctx, "BTC/USDT")
	require.NoError(t, err)
	m.Reset()
	_, _, err = m.Native(ctx, "BTC/USDT")
	require.NoError(t, err)

	assert.Equal(t, int32(2), loads.Load())
}

func TestSymbolMapCanonicals(t *testing.T) {
	m := NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		return map[string]string{
			"BTC/USDT": "BTCUSDT",
			"ETH/USDT": "ETHUSDT",
		}, nil
	})

	all, err := m.Canonicals(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, all)
}
