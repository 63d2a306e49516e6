// Package shutdown coordinates interruption and resource release for a CLI run.
// Commands run under Context, which is cancelled when a registered signal
// arrives, and resources register a cleanup that Wait runs in LIFO order.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"schooldata/internal/utils"
)

// CleanupFunc releases one resource. ctx bounds how long it may take.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager cancels in-flight work on shutdown and releases resources.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	shutdown bool
	signaled os.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	waitOnce sync.Once
	waitErr  error
}

// NewManager creates a manager whose Context derives from parent.
func NewManager(parent context.Context) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel}
}

// RegisterCleanup adds fn to run during Wait. Later registrations run first.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// HandleSignals triggers Shutdown when one of sigs arrives. The returned
// function stops listening.
func (m *Manager) HandleSignals(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			utils.Debugf("received %s, cancelling", sig)
			m.mu.Lock()
			m.signaled = sig
			m.mu.Unlock()
			m.Shutdown()
		case <-done:
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// Shutdown cancels Context. Only the first call has an effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()
		m.cancel()
	})
}

// Wait shuts down and runs the cleanups, newest first. A failing cleanup is
// logged and the rest still run; the errors are joined. Wait returns
// ctx.Err() if the cleanups outlast ctx. Later calls return the first result.
func (m *Manager) Wait(ctx context.Context) error {
	m.waitOnce.Do(func() {
		m.Shutdown()

		m.mu.Lock()
		cleanups := make([]cleanupEntry, len(m.cleanups))
		copy(cleanups, m.cleanups)
		m.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			var errs []error
			for i := len(cleanups) - 1; i >= 0; i-- {
				if err := cleanups[i].fn(ctx); err != nil {
					utils.Warnf("cleanup %s failed: %v", cleanups[i].name, err)
					errs = append(errs, err)
				}
			}
			done <- errors.Join(errs...)
		}()

		select {
		case err := <-done:
			m.waitErr = err
		case <-ctx.Done():
			m.waitErr = ctx.Err()
		}
	})
	return m.waitErr
}

// IsShutdown reports whether Shutdown has been called.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Signaled returns the signal that triggered shutdown, or nil.
func (m *Manager) Signaled() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signaled
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}
