// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package errcode

import "errors"

// General argument and state errors.
var (
	ErrUnknown         = errors.New("coffer: unknown error")
	ErrInvalidArgument = errors.New("coffer: invalid argument")
	ErrNotInitialized  = errors.New("coffer: not initialized")
	ErrOperationFailed = errors.New("coffer: operation failed")
)

// Filesystem errors.
var (
	ErrFileOpenFailed   = errors.New("coffer: file open failed")
	ErrFileReadFailed   = errors.New("coffer: file read failed")
	ErrFileWriteFailed  = errors.New("coffer: file write failed")
	ErrFileRemoveFailed = errors.New("coffer: file remove failed")
	ErrFileRenameFailed = errors.New("coffer: file rename failed")
	ErrPathNotFound     = errors.New("coffer: path not found")
	ErrAccessDenied     = errors.New("coffer: access denied")
)

// Cryptography errors.
var (
	ErrEncryptionFailed     = errors.New("coffer: encryption failed")
	ErrDecryptionFailed     = errors.New("coffer: decryption failed")
	ErrAuthenticationFailed = errors.New("coffer: authentication failed")
	ErrKeyDerivationFailed  = errors.New("coffer: key derivation failed")
	ErrInvalidKey           = errors.New("coffer: invalid key")
	ErrInvalidIV            = errors.New("coffer: invalid IV")
	ErrCryptoLibrary        = errors.New("coffer: crypto library error")
)

// Storage semantics errors.
var (
	ErrDataNotFound = errors.New("coffer: data not found")

	// ErrDataAlreadyExists is reserved for callers that layer
	// create-only semantics on top of the store. The store itself
	// never returns it: Store is an upsert.
	ErrDataAlreadyExists = errors.New("coffer: data already exists")

	ErrSerializationFailed   = errors.New("coffer: serialization failed")
	ErrDeserializationFailed = errors.New("coffer: deserialization failed")
)

// Watcher errors.
var (
	ErrWatcherStartFailed = errors.New("coffer: watcher start failed")
	ErrWatcherReadFailed  = errors.New("coffer: watcher read failed")

	// ErrFileTampered is reserved for event-sink policies that treat
	// external writes to the storage root as tampering. The core
	// reports events; the policy decision belongs to the embedder.
	ErrFileTampered = errors.New("coffer: file tampered")
)

// sentinels lists every taxonomy member for classification. Order
// matters only for Kind's first-match scan and is most-specific-first
// within each group.
var sentinels = []error{
	ErrInvalidArgument,
	ErrNotInitialized,
	ErrOperationFailed,
	ErrFileOpenFailed,
	ErrFileReadFailed,
	ErrFileWriteFailed,
	ErrFileRemoveFailed,
	ErrFileRenameFailed,
	ErrPathNotFound,
	ErrAccessDenied,
	ErrEncryptionFailed,
	ErrDecryptionFailed,
	ErrAuthenticationFailed,
	ErrKeyDerivationFailed,
	ErrInvalidKey,
	ErrInvalidIV,
	ErrCryptoLibrary,
	ErrDataNotFound,
	ErrDataAlreadyExists,
	ErrSerializationFailed,
	ErrDeserializationFailed,
	ErrWatcherStartFailed,
	ErrWatcherReadFailed,
	ErrFileTampered,
}

// Kind returns the taxonomy sentinel present in err's chain, or
// ErrUnknown if err carries none. A nil err returns nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrUnknown
}
