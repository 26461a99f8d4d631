package correlator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPendingTTL bounds how long a begun login may wait for its callback.
const DefaultPendingTTL = 10 * time.Minute

// Ledger records begun logins so that each callback is accepted at most once
// and stale correlators expire.
type Ledger interface {
	// Begin records a login started for (correlator, provider), refreshing
	// its expiry if one is already pending.
	Begin(ctx context.Context, correlator, provider string) error
	// Consume removes the pending login and reports whether a live one
	// existed.
	Consume(ctx context.Context, correlator, provider string) (bool, error)
	// Forget drops every pending login for correlator.
	Forget(ctx context.Context, correlator string) error
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	ttl time.Duration
	now func() time.Time
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]map[string]time.Time // correlator -> provider -> expiry
}

// NewMemoryLedger creates a ledger whose entries live for ttl.
func NewMemoryLedger(ttl time.Duration, log *zap.Logger) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &MemoryLedger{
		ttl:     ttl,
		now:     time.Now,
		log:     log,
		entries: make(map[string]map[string]time.Time),
	}
}

func (l *MemoryLedger) Begin(_ context.Context, correlator, provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byProvider, ok := l.entries[correlator]
	if !ok {
		byProvider = make(map[string]time.Time)
		l.entries[correlator] = byProvider
	}
	byProvider[provider] = l.now().Add(l.ttl)
	return nil
}

func (l *MemoryLedger) Consume(_ context.Context, correlator, provider string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byProvider, ok := l.entries[correlator]
	if !ok {
		return false, nil
	}
	expiry, ok := byProvider[provider]
	if !ok {
		return false, nil
	}
	delete(byProvider, provider)
	if len(byProvider) == 0 {
		delete(l.entries, correlator)
	}
	return l.now().Before(expiry), nil
}

func (l *MemoryLedger) Forget(_ context.Context, correlator string) error {
	l.mu.Lock()
	delete(l.entries, correlator)
	l.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (l *MemoryLedger) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for correlator, byProvider := range l.entries {
		for provider, expiry := range byProvider {
			if !now.Before(expiry) {
				delete(byProvider, provider)
				dropped++
			}
		}
		if len(byProvider) == 0 {
			delete(l.entries, correlator)
		}
	}
	return dropped
}

// Len returns the number of pending logins.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, byProvider := range l.entries {
		n += len(byProvider)
	}
	return n
}

// StartSweepLoop sweeps on every interval until ctx is done.
func (l *MemoryLedger) StartSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.log.Debug("expired pending logins", zap.Int("count", n))
				}
			}
		}
	}()
	l.log.Info("pending login sweep started", zap.Duration("interval", interval), zap.Duration("ttl", l.ttl))
}
