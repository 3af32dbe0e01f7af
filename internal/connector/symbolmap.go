package connector

import (
	"context"
	"fmt"
	"sync"
)

// SymbolMap translates between canonical BASE/QUOTE symbols and the
// exchange-native spelling. The table is fetched lazily on first use
// and kept until Reset; lookups accept either form so callers never
// need to know which one they hold.
type SymbolMap struct {
	load func(ctx context.Context) (map[string]string, error)

	mu     sync.RWMutex
	loaded bool
	native map[string]string // canonical -> native
	canon  map[string]string // native -> canonical
}

// NewSymbolMap builds a SymbolMap around a loader returning the
// canonical-to-native table.
func NewSymbolMap(load func(ctx context.Context) (map[string]string, error)) *SymbolMap {
	return &SymbolMap{load: load}
}

func (m *SymbolMap) ensure(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	table, err := m.load(ctx)
	if err != nil {
		return fmt.Errorf("load symbol table: %w", err)
	}
	m.native = make(map[string]string, len(table))
	m.canon = make(map[string]string, len(table))
	for canonical, native := range table {
		m.native[canonical] = native
		m.canon[native] = canonical
	}
	m.loaded = true
	return nil
}

// Native resolves symbol to the exchange spelling. ok is false when
// the symbol is unknown in either form.
func (m *SymbolMap) Native(ctx context.Context, symbol string) (string, bool, error) {
	if err := m.ensure(ctx); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if native, ok := m.native[symbol]; ok {
		return native, true, nil
	}
	if _, ok := m.canon[symbol]; ok {
		return symbol, true, nil
	}
	return "", false, nil
}

// Canonical resolves symbol to the BASE/QUOTE spelling. ok is false
// when the symbol is unknown in either form.
func (m *SymbolMap) Canonical(ctx context.Context, symbol string) (string, bool, error) {
	if err := m.ensure(ctx); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if canonical, ok := m.canon[symbol]; ok {
		return canonical, true, nil
	}
	if _, ok := m.native[symbol]; ok {
		return symbol, true, nil
	}
	return "", false, nil
}

// Canonicals returns every canonical symbol the exchange lists.
func (m *SymbolMap) Canonicals(ctx context.Context) ([]string, error) {
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.native))
	for canonical := range m.native {
		out = append(out, canonical)
	}
	return out, nil
}

// Reset drops the cached table so the next lookup reloads it.
func (m *SymbolMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.native = nil
	m.canon = nil
}
