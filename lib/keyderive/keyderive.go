// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyderive turns a device-bound identity into symmetric key
// material using HKDF-SHA256 (RFC 5869, Extract-then-Expand).
//
// No key is ever persisted: the same identity, salt, and info always
// derive the same key, across calls, processes, and reboots. The
// identity therefore carries the whole secret weight — see
// lib/deviceid for where it comes from.
//
// The default salt and info strings are version-tagged constants.
// Changing either invalidates every record encrypted under keys
// derived with the old values, so they are frozen for the life of the
// on-disk format. Callers needing key separation between application
// contexts pass their own info string instead.
package keyderive

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/coffer-project/coffer/lib/deviceid"
	"github.com/coffer-project/coffer/lib/errcode"
	"github.com/coffer-project/coffer/lib/secret"
)

// Default HKDF parameters. Frozen: existing records become
// unrecoverable if these change.
var (
	// DefaultSalt is the HKDF salt used when the caller supplies none.
	// It is not secret, only fixed.
	DefaultSalt = []byte("coffer.hkdf.salt.v1")

	// DefaultInfo is the HKDF info string used when the caller
	// supplies none. It names the derivation path: the master key for
	// the AES-256-GCM record codec.
	DefaultInfo = []byte("coffer.key.aes256gcm.v1")
)

// Derive produces length bytes of key material from identity, salt,
// and info via HKDF-SHA256. It is a pure function: identical inputs
// yield identical output across calls and processes.
//
// An empty identity or a zero length is rejected with
// errcode.ErrInvalidArgument. Nil salt or info select the defaults.
func Derive(identity, salt, info []byte, length int) ([]byte, error) {
	if len(identity) == 0 {
		return nil, fmt.Errorf("deriving key from empty identity: %w", errcode.ErrInvalidArgument)
	}
	if length <= 0 {
		return nil, fmt.Errorf("deriving key of length %d: %w", length, errcode.ErrInvalidArgument)
	}
	if salt == nil {
		salt = DefaultSalt
	}
	if info == nil {
		info = DefaultInfo
	}

	reader := hkdf.New(sha256.New, identity, salt, info)
	derived := make([]byte, length)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF-SHA256 expand: %w: %v", errcode.ErrKeyDerivationFailed, err)
	}
	return derived, nil
}

// Deriver binds an identity provider to fixed HKDF parameters.
// Immutable after construction; safe for concurrent use if the
// provider is.
type Deriver struct {
	provider deviceid.Provider
	salt     []byte
	info     []byte
}

// NewDeriver creates a Deriver over the given provider. Nil salt or
// info select [DefaultSalt] and [DefaultInfo]. The provider must not
// be nil.
func NewDeriver(provider deviceid.Provider, salt, info []byte) (*Deriver, error) {
	if provider == nil {
		return nil, fmt.Errorf("key deriver needs an identity provider: %w", errcode.ErrInvalidArgument)
	}
	if salt == nil {
		salt = DefaultSalt
	}
	if info == nil {
		info = DefaultInfo
	}
	return &Deriver{
		provider: provider,
		salt:     append([]byte(nil), salt...),
		info:     append([]byte(nil), info...),
	}, nil
}

// Key derives length bytes of key material from the provider's current
// identity. Provider failures propagate; an empty identity from the
// provider is errcode.ErrInvalidArgument.
func (d *Deriver) Key(length int) ([]byte, error) {
	identity, err := d.provider.Identity()
	if err != nil {
		return nil, fmt.Errorf("reading device identity: %w", err)
	}
	return Derive(identity, d.salt, d.info, length)
}
