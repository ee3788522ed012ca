// Package session owns the process-wide handle to the resource manager.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"drmadapter/internal/drm"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("drm session closed")

// Factory opens a Backend. It is called at most once per Manager.
type Factory func(ctx context.Context) (drm.Backend, error)

// Manager lazily creates one drm.Session and hands out the same instance on
// every call. The first Get pays for initialization; an initialization error
// is cached and returned by every later Get without retrying.
//
// One Manager should exist per process. The Session it returns is not safe for
// concurrent use by independent owners; callers coordinate access.
type Manager struct {
	factory Factory

	once    sync.Once
	session *drm.Session
	initErr error

	mu     sync.Mutex
	closed bool
}

// NewManager creates a Manager that opens its Backend with factory.
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory}
}

// Get returns the shared session, creating it on first use.
func (m *Manager) Get(ctx context.Context) (*drm.Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	m.once.Do(func() {
		backend, err := m.factory(ctx)
		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.initErr = err
			return
		}
		m.session = drm.NewSession(backend)
		slog.Info("DRM session initialized")
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.initErr
}

// Ready reports whether the session can reach the resource manager. It does
// not create the session.
func (m *Manager) Ready(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.session == nil {
		if m.initErr != nil {
			return m.initErr
		}
		return errors.New("drm session not initialized")
	}
	return m.session.Ready(ctx)
}

// Close destroys the session if one was created. Later calls to Get return
// ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// Waits for an in-flight initialization, and keeps a late Get from
	// initializing after teardown.
	m.once.Do(func() {
		m.mu.Lock()
		m.initErr = ErrClosed
		m.mu.Unlock()
	})

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sess.Close()
	slog.Info("DRM session destroyed")
	return err
}
