package connector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes [][2][]string
}

func (r *flushRecorder) flush(subs, unsubs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, [2][]string{subs, unsubs})
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() [2][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[len(r.flushes)-1]
}

func TestBatcherCoalescesBurst(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(30*time.Millisecond, rec.flush)

	b.Subscribe([]string{"BTC/USDT"})
	b.Subscribe([]string{"ETH/USDT", "BTC/USDT"})
	b.Unsubscribe([]string{"SOL/USDT"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	got := rec.last()
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, got[0])
	assert.Equal(t, []string{"SOL/USDT"}, got[1])

	// The timer is one-shot; nothing else fires without new changes.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBatcherLatestIntentWins(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(30*time.Millisecond, rec.flush)

	b.Subscribe([]string{"BTC/USDT"})
	b.Unsubscribe([]string{"BTC/USDT"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	got := rec.last()
	assert.Empty(t, got[0])
	assert.Equal(t, []string{"BTC/USDT"}, got[1])
}

func TestBatcherTimerDoesNotReset(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(50*time.Millisecond, rec.flush)

	start := time.Now()
	b.Subscribe([]string{"BTC/USDT"})
	time.Sleep(25 * time.Millisecond)
	// A second change midway through the window must not push the
	// flush out.
	b.Subscribe([]string{"ETH/USDT"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, rec.last()[0])
}

func TestBatcherRearmsAfterFlush(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(20*time.Millisecond, rec.flush)

	b.Subscribe([]string{"BTC/USDT"})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	b.Subscribe([]string{"ETH/USDT"})
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ETH/USDT"}, rec.last()[0])
}

func TestBatcherCancelDropsPending(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(30*time.Millisecond, rec.flush)

	b.Subscribe([]string{"BTC/USDT"})
	b.Cancel()
	b.Cancel()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count())

	// The batcher stays usable after Cancel.
	b.Subscribe([]string{"ETH/USDT"})
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ETH/USDT"}, rec.last()[0])
}

func TestBatcherIgnoresEmptyInput(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(20*time.Millisecond, rec.flush)

	b.Subscribe(nil)
	b.Unsubscribe([]string{""})

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, rec.count())
}
