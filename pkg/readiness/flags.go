// Package readiness holds the boolean conditions other goroutines wait on.
// Each flag has exactly one producer; any number of goroutines may wait.
package readiness

import (
	"context"
	"sync"
)

type Flag int

const (
	NetworkJoined Flag = iota
	SessionOpen
	TimeSynced

	numFlags
)

func (f Flag) String() string {
	switch f {
	case NetworkJoined:
		return "network_joined"
	case SessionOpen:
		return "session_open"
	case TimeSynced:
		return "time_synced"
	default:
		return "unknown"
	}
}

// Flags is the process-scoped set of readiness conditions.
// A goroutine released by Wait observes every write made before the matching Set.
type Flags struct {
	mu      sync.Mutex
	set     [numFlags]bool
	changed [numFlags]chan struct{}
}

func New() *Flags {
	f := &Flags{}
	for i := range f.changed {
		f.changed[i] = make(chan struct{})
	}
	return f
}

// Set raises f and wakes waiters. Setting an already set flag is a no-op.
func (f *Flags) Set(flag Flag) { f.store(flag, true) }

// Clear lowers f and wakes WaitCleared callers.
func (f *Flags) Clear(flag Flag) { f.store(flag, false) }

func (f *Flags) store(flag Flag, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set[flag] == v {
		return
	}
	f.set[flag] = v
	close(f.changed[flag])
	f.changed[flag] = make(chan struct{})
}

func (f *Flags) IsSet(flag Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[flag]
}

// Wait blocks until flag is set or ctx is done.
func (f *Flags) Wait(ctx context.Context, flag Flag) error {
	return f.waitFor(ctx, flag, true)
}

// WaitCleared blocks until flag is cleared or ctx is done.
func (f *Flags) WaitCleared(ctx context.Context, flag Flag) error {
	return f.waitFor(ctx, flag, false)
}

func (f *Flags) waitFor(ctx context.Context, flag Flag, want bool) error {
	for {
		f.mu.Lock()
		if f.set[flag] == want {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed[flag]
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
