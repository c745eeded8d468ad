// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package deviceid supplies the device-bound identity that anchors all
// key derivation.
//
// The identity must be stable across reboots on the same device and
// must differ between devices: it is the input keying material for
// HKDF, so a device that loses its identity loses every record it ever
// stored. [SystemProvider] reads the host machine ID, which satisfies
// both properties on the automotive Linux images Coffer targets.
//
// Identities are never logged. [Fingerprint] produces a short BLAKE3
// digest for log lines and diagnostics.
package deviceid

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/zeebo/blake3"

	"github.com/coffer-project/coffer/lib/errcode"
)

// Provider supplies a stable device-bound identity byte string.
// Implementations must return a non-empty identity or an error, and
// must return the same identity for the life of the device.
type Provider interface {
	Identity() ([]byte, error)
}

// bootIDPath is the fallback identity source when no machine ID is
// available. The boot ID changes on every boot, which weakens the
// "stable across reboots" property — the original target images all
// carry /etc/machine-id, so the fallback exists for development hosts.
const bootIDPath = "/proc/sys/kernel/random/boot_id"

// SystemProvider reads the host's machine identity. The first
// successful read is cached; subsequent calls return the cached value.
// Safe for concurrent use.
type SystemProvider struct {
	mu       sync.Mutex
	cached   []byte
	readHost func() (string, error) // test seam, defaults to host.HostID
}

// NewSystemProvider creates a provider backed by the host machine ID
// (via gopsutil, i.e. /etc/machine-id on Linux) with a boot-ID
// fallback.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{readHost: host.HostID}
}

// Identity returns the cached machine identity, probing on first call.
func (p *SystemProvider) Identity() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return append([]byte(nil), p.cached...), nil
	}

	readHost := p.readHost
	if readHost == nil {
		readHost = host.HostID
	}

	hostID, hostErr := readHost()
	hostID = strings.TrimSpace(hostID)
	if hostErr == nil && hostID != "" {
		p.cached = []byte(hostID)
		return append([]byte(nil), p.cached...), nil
	}

	bootID, bootErr := os.ReadFile(bootIDPath)
	trimmed := strings.TrimSpace(string(bootID))
	if bootErr == nil && trimmed != "" {
		p.cached = []byte(trimmed)
		return append([]byte(nil), p.cached...), nil
	}

	return nil, fmt.Errorf("no system identity available (host ID: %v, boot ID: %v): %w",
		hostErr, bootErr, errcode.ErrNotInitialized)
}

// Static returns a provider that always yields the given identity.
// Used for devices with provisioned serial numbers and in tests.
// An empty identity is reported at use time, not construction.
func Static(identity []byte) Provider {
	return staticProvider(append([]byte(nil), identity...))
}

type staticProvider []byte

func (p staticProvider) Identity() ([]byte, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("static identity is empty: %w", errcode.ErrInvalidArgument)
	}
	return append([]byte(nil), p...), nil
}

// Fingerprint returns a short hex digest of an identity, safe to log.
// BLAKE3 is one-way; the digest reveals nothing about the identity
// while still distinguishing devices in fleet logs.
func Fingerprint(identity []byte) string {
	digest := blake3.Sum256(identity)
	return hex.EncodeToString(digest[:8])
}
