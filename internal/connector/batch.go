package connector

import (
	"sort"
	"sync"
	"time"
)

// Batcher coalesces subscribe and unsubscribe requests. The first
// queued change arms a one-shot timer; later changes within the window
// join the same flush without resetting it. A symbol queued for both
// directions keeps only its latest intent.
type Batcher struct {
	mu       sync.Mutex
	interval time.Duration
	subs     map[string]struct{}
	unsubs   map[string]struct{}
	timer    *time.Timer
	armed    bool
	flush    func(subs, unsubs []string)
}

// NewBatcher builds a Batcher that calls flush with the drained queues
// once per armed window. flush runs on the timer goroutine.
func NewBatcher(interval time.Duration, flush func(subs, unsubs []string)) *Batcher {
	return &Batcher{
		interval: interval,
		subs:     make(map[string]struct{}),
		unsubs:   make(map[string]struct{}),
		flush:    flush,
	}
}

// Subscribe queues symbols for the next flush.
func (b *Batcher) Subscribe(symbols []string) {
	b.queue(symbols, b.subs, b.unsubs)
}

// Unsubscribe queues symbols for removal on the next flush.
func (b *Batcher) Unsubscribe(symbols []string) {
	b.queue(symbols, b.unsubs, b.subs)
}

func (b *Batcher) queue(symbols []string, into, from map[string]struct{}) {
	if len(symbols) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		if s == "" {
			continue
		}
		delete(from, s)
		into[s] = struct{}{}
	}
	if !b.armed && (len(b.subs) > 0 || len(b.unsubs) > 0) {
		b.timer = time.AfterFunc(b.interval, b.fire)
		b.armed = true
	}
}

func (b *Batcher) fire() {
	b.mu.Lock()
	subs := drain(b.subs)
	unsubs := drain(b.unsubs)
	b.armed = false
	b.timer = nil
	b.mu.Unlock()

	if len(subs) == 0 && len(unsubs) == 0 {
		return
	}
	b.flush(subs, unsubs)
}

// Cancel drops every pending change and disarms the timer. Safe to
// call repeatedly.
func (b *Batcher) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.armed = false
	b.subs = make(map[string]struct{})
	b.unsubs = make(map[string]struct{})
}

func drain(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
		delete(set, s)
	}
	sort.Strings(out)
	return out
}
