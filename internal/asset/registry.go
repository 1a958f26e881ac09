package asset

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Registry maps tick symbols to display-decimal precision. A tick's
// precision is immutable once registered; every external amount is
// converted to raw smallest units at the boundary and stays raw inside
// the ledger.
type Registry struct {
	mu       sync.RWMutex
	decimals map[string]uint8
}

func NewRegistry() *Registry {
	return &Registry{decimals: make(map[string]uint8)}
}

// Register records a tick's precision. Re-registering with the same
// precision is a no-op; changing it is an error.
func (r *Registry) Register(tick string, decimals uint8) error {
	if tick == "" {
		return fmt.Errorf("tick is required")
	}
	if decimals > 18 {
		return fmt.Errorf("decimals out of range: %d", decimals)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.decimals[tick]; ok {
		if existing != decimals {
			return fmt.Errorf("tick %s already registered with %d decimals", tick, existing)
		}
		return nil
	}
	r.decimals[tick] = decimals
	return nil
}

// Decimals returns the registered precision for a tick.
func (r *Registry) Decimals(tick string) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decimals[tick]
	return d, ok
}

// Exists reports whether the tick is registered.
func (r *Registry) Exists(tick string) bool {
	_, ok := r.Decimals(tick)
	return ok
}

// ToRaw converts a display decimal string ("1.5") into raw smallest
// units. Fails if the fractional part exceeds the tick's precision.
func (r *Registry) ToRaw(tick, display string) (*big.Int, error) {
	decimals, ok := r.Decimals(tick)
	if !ok {
		return nil, fmt.Errorf("unknown tick: %s", tick)
	}
	whole, frac := display, ""
	if idx := strings.IndexByte(display, '.'); idx >= 0 {
		whole, frac = display[:idx], display[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("precision violation: %s has more than %d decimals", display, decimals)
	}
	padded := frac + strings.Repeat("0", int(decimals)-len(frac))
	raw, ok2 := new(big.Int).SetString(whole+padded, 10)
	if !ok2 {
		return nil, fmt.Errorf("invalid amount: %q", display)
	}
	if raw.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", display)
	}
	return raw, nil
}

// FromRaw converts raw smallest units into a display decimal string
// with trailing zeros trimmed.
func (r *Registry) FromRaw(tick string, raw *big.Int) (string, error) {
	decimals, ok := r.Decimals(tick)
	if !ok {
		return "", fmt.Errorf("unknown tick: %s", tick)
	}
	if raw == nil {
		raw = big.NewInt(0)
	}
	s := raw.String()
	if decimals == 0 {
		return s, nil
	}
	if len(s) <= int(decimals) {
		s = strings.Repeat("0", int(decimals)-len(s)+1) + s
	}
	cut := len(s) - int(decimals)
	whole, frac := s[:cut], s[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole, nil
	}
	return whole + "." + frac, nil
}
