// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobcrypt is the authenticated encryption codec for record
// blobs: AES-256-GCM with a random 96-bit nonce, producing a
// self-framing blob
//
//	[Nonce: 12 bytes] [Ciphertext: N bytes] [Tag: 16 bytes]
//
// The frame is the on-disk record format and is compatibility-
// critical: there is no version byte and no length fields, only the
// fixed offsets above. Empty plaintext is legal (28-byte blob).
//
// Nonces are sampled fresh from the operating system CSPRNG for every
// Encrypt call. The birthday bound on 96-bit nonces leaves a working
// safety margin of about 2^48 encryptions per key; per-device derived
// keys and configuration-grade rewrite rates sit far below that.
// Deterministic nonces are forbidden.
package blobcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	"github.com/coffer-project/coffer/lib/errcode"
)

// Frame constants. Fixed by the on-disk format.
const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// Overhead is the total framing overhead per blob: nonce + tag.
	// It is also the minimum legal blob size (empty plaintext).
	Overhead = NonceSize + TagSize
)

// Codec encrypts and decrypts record blobs. A Codec whose entropy
// self-check failed at construction is permanently uninitialized and
// fails every call fast with errcode.ErrNotInitialized.
//
// Codec is stateless apart from the initialization latch and is safe
// for concurrent use; the spec nonetheless requires callers of the
// blob store to serialize, and the store does not rely on this.
type Codec struct {
	initialized bool
}

// New creates a Codec. The personalization string distinguishes codec
// instances in diagnostics; the operating system CSPRNG needs no
// per-instance seeding, so personalization carries no security weight
// here. Construction performs one entropy read as a health check — on
// the (never observed in practice) failure of the system CSPRNG the
// codec is created in the permanently uninitialized state rather than
// returning an error, so that a store built on top of it degrades to
// per-operation failures instead of a construction-time crash loop.
func New(personalization string, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var probe [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, probe[:]); err != nil {
		logger.Error("codec entropy self-check failed; codec is unusable",
			"personalization", personalization, "error", err)
		return &Codec{initialized: false}
	}

	logger.Debug("codec initialized", "personalization", personalization)
	return &Codec{initialized: true}
}

// Encrypt seals plaintext under key with the given additional
// authenticated data and returns the framed blob nonce‖ciphertext‖tag.
// Empty plaintext is permitted and yields a 28-byte blob. The key must
// be exactly KeySize bytes.
func (c *Codec) Encrypt(plaintext, key, additionalData []byte) ([]byte, error) {
	if !c.initialized {
		return nil, fmt.Errorf("encrypting: %w", errcode.ErrNotInitialized)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encrypting with %d-byte key, need %d: %w",
			len(key), KeySize, errcode.ErrInvalidKey)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("building AES-256-GCM: %w: %v", errcode.ErrCryptoLibrary, err)
	}

	// Allocate the full frame up front; Seal appends ciphertext+tag
	// after the nonce prefix.
	blob := make([]byte, NonceSize, Overhead+len(plaintext))
	if _, err := io.ReadFull(rand.Reader, blob[:NonceSize]); err != nil {
		return nil, fmt.Errorf("sampling nonce: %w: %v", errcode.ErrEncryptionFailed, err)
	}

	blob = aead.Seal(blob, blob[:NonceSize], plaintext, additionalData)
	return blob, nil
}

// Decrypt opens a framed blob produced by Encrypt. Returns
// errcode.ErrInvalidArgument for blobs below the 28-byte minimum and
// errcode.ErrAuthenticationFailed when the tag does not verify (wrong
// key, tampered ciphertext, or mismatched additional data).
func (c *Codec) Decrypt(blob, key, additionalData []byte) ([]byte, error) {
	if !c.initialized {
		return nil, fmt.Errorf("decrypting: %w", errcode.ErrNotInitialized)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("decrypting with %d-byte key, need %d: %w",
			len(key), KeySize, errcode.ErrInvalidKey)
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("blob is %d bytes, minimum is %d (nonce + tag): %w",
			len(blob), Overhead, errcode.ErrInvalidArgument)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("building AES-256-GCM: %w: %v", errcode.ErrCryptoLibrary, err)
	}

	nonce := blob[:NonceSize]
	ciphertextAndTag := blob[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertextAndTag, additionalData)
	if err != nil {
		// cipher.gcm reports every open failure as one opaque error;
		// with frame lengths already validated, that error is the tag.
		return nil, fmt.Errorf("GCM tag verification (wrong key, tampered data, or mismatched AAD): %w",
			errcode.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// newGCM builds the AEAD for a validated 32-byte key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
