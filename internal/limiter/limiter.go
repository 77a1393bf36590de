package limiter

import (
	"context"
	"strings"
	"sync"
)

// Keyed caps concurrent holders per key. Keys are case-insensitive.
type Keyed struct {
	maxInflight int
	limits      map[string]int
	mu          sync.Mutex
	sem         map[string]chan struct{}
}

type Options struct {
	// MaxInflight applies to keys without an explicit limit. Zero or less
	// leaves those keys unlimited.
	MaxInflight int
	Limits      map[string]int
}

func New(opts Options) *Keyed {
	limits := make(map[string]int, len(opts.Limits))
	for k, v := range opts.Limits {
		limits[strings.ToLower(k)] = v
	}
	return &Keyed{maxInflight: opts.MaxInflight, limits: limits, sem: map[string]chan struct{}{}}
}

func (k *Keyed) slots(key string) chan struct{} {
	key = strings.ToLower(key)
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.sem[key]
	if ok {
		return ch
	}
	n, ok := k.limits[key]
	if !ok {
		n = k.maxInflight
	}
	if n > 0 {
		ch = make(chan struct{}, n)
	}
	k.sem[key] = ch
	return ch
}

// Acquire blocks until a slot for key is free or ctx is done.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	ch := k.slots(key)
	if ch == nil {
		return func() {}, nil
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inflight reports current holders for key; always zero for unlimited keys.
func (k *Keyed) Inflight(key string) int {
	ch := k.slots(key)
	if ch == nil {
		return 0
	}
	return len(ch)
}
