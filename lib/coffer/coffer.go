// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package coffer is the user-facing facade over the storage core: it
// composes the identity provider, key derivation, the encrypted blob
// store, and the directory watcher into one Manager.
//
// A Manager is "storage-ready" iff its blob store initialized; the
// watcher is best-effort and its failure never fails construction —
// WatcherActive distinguishes the two conditions. Closing the Manager
// stops the watcher (joining its monitor goroutine) before tearing
// down the store and zeroing the master key.
//
// Callers must serialize record operations on one Manager, mirroring
// the store's contract. The watcher's sink runs concurrently on the
// monitor goroutine and may safely use other Managers, but must not
// call Close on its own.
package coffer

import (
	"fmt"
	"log/slog"

	"github.com/coffer-project/coffer/lib/blobstore"
	"github.com/coffer-project/coffer/lib/deviceid"
	"github.com/coffer-project/coffer/lib/dirwatch"
	"github.com/coffer-project/coffer/lib/errcode"
)

// Config holds the parameters for opening a Manager.
type Config struct {
	// Root is the storage directory; created if missing. Required.
	Root string

	// Identity supplies the device-bound identity. Nil selects the
	// system machine-ID provider.
	Identity deviceid.Provider

	// Salt and Info override the HKDF parameters; nil selects the
	// library defaults.
	Salt []byte
	Info []byte

	// Sink, if non-nil, receives filesystem events for the storage
	// root on the watcher's monitor goroutine.
	Sink dirwatch.Sink

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Manager composes the storage core. Open with [New], release with
// Close. After Close every record operation returns
// errcode.ErrNotInitialized.
type Manager struct {
	store         *blobstore.Store
	watcher       *dirwatch.Watcher
	watcherActive bool
	logger        *slog.Logger
	closed        bool
}

// New opens a Manager. Construction succeeds iff the blob store
// initializes; a watcher that fails to start or to register the
// storage root leaves the Manager usable with WatcherActive() false.
func New(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	identity := cfg.Identity
	if identity == nil {
		identity = deviceid.NewSystemProvider()
	}

	store, err := blobstore.New(blobstore.Config{
		Root:            cfg.Root,
		Identity:        identity,
		Salt:            cfg.Salt,
		Info:            cfg.Info,
		Personalization: "coffer.manager",
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	if identityBytes, idErr := identity.Identity(); idErr == nil {
		logger.Info("storage ready",
			"root", store.Root(),
			"device", deviceid.Fingerprint(identityBytes))
	}

	manager := &Manager{
		store:  store,
		logger: logger,
	}

	manager.watcher = dirwatch.New(cfg.Sink, logger)
	if err := manager.watcher.Start(); err != nil {
		logger.Warn("directory watcher unavailable; storage continues unwatched", "error", err)
	} else if err := manager.watcher.AddWatch(store.Root()); err != nil {
		logger.Warn("watching storage root failed; storage continues unwatched", "error", err)
		manager.watcher.Stop()
	} else {
		manager.watcherActive = true
	}

	return manager, nil
}

// WatcherActive reports whether the directory watcher is running and
// registered on the storage root.
func (m *Manager) WatcherActive() bool {
	return m != nil && !m.closed && m.watcherActive
}

// Store encrypts and durably saves plaintext under id.
func (m *Manager) Store(id string, plaintext []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.store.Store(id, plaintext)
}

// Retrieve returns the plaintext stored under id, recovering from the
// backup slot when the main slot is damaged.
func (m *Manager) Retrieve(id string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.store.Retrieve(id)
}

// Delete removes the record. Idempotent.
func (m *Manager) Delete(id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.store.Delete(id)
}

// Exists reports whether any slot for id is on disk.
func (m *Manager) Exists(id string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	return m.store.Exists(id)
}

// List returns the sorted ids of all records with a main slot.
func (m *Manager) List() ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.store.List()
}

// Root returns the storage root directory.
func (m *Manager) Root() string {
	return m.store.Root()
}

// Close stops the watcher, joining its monitor goroutine, then closes
// the store and zeroes the master key. Idempotent. Must not be called
// from the event sink.
func (m *Manager) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true
	m.watcherActive = false

	if err := m.watcher.Stop(); err != nil {
		m.logger.Warn("stopping watcher during close", "error", err)
	}
	return m.store.Close()
}

// checkOpen gates record operations on the lifecycle latch.
func (m *Manager) checkOpen() error {
	if m == nil || m.closed {
		return errcode.ErrNotInitialized
	}
	return nil
}
