// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"

	"github.com/coffer-project/coffer/lib/blobcrypt"
	"github.com/coffer-project/coffer/lib/secret"
)

// Export bundles move records between devices. Records are decrypted
// locally, packed into a CBOR map, zstd-compressed, and sealed with a
// key derived from a transfer passphrase via Argon2id. Import reverses
// the pipeline and re-encrypts every record under the destination
// device's own key — device keys never leave their device.
//
// Bundle file layout (outer CBOR):
//
//	{version, salt, blob}
//
// where blob is a blobcrypt frame over zstd(cbor(map[id]payload)).
const bundleVersion = 1

// passphraseEnv names the environment variable carrying the transfer
// passphrase. An env var rather than a flag keeps the passphrase out
// of process listings.
const passphraseEnv = "COFFER_BUNDLE_PASSPHRASE"

// Argon2id parameters, per the RFC 9106 second recommended option
// (64 MiB, 3 passes), sized for head-unit-class hardware.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

type bundleFile struct {
	Version int    `cbor:"version"`
	Salt    []byte `cbor:"salt"`
	Blob    []byte `cbor:"blob"`
}

type bundleRecords map[string][]byte

func bundleKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, blobcrypt.KeySize)
}

func transferPassphrase() ([]byte, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("%s is not set; export bundles require a transfer passphrase", passphraseEnv)
	}
	return []byte(passphrase), nil
}

func commandExport(open managerOpener, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coffer export <bundle-file>")
	}
	passphrase, err := transferPassphrase()
	if err != nil {
		return err
	}

	manager, err := open(nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	ids, err := manager.List()
	if err != nil {
		return err
	}

	records := make(bundleRecords, len(ids))
	for _, id := range ids {
		payload, err := manager.Retrieve(id)
		if err != nil {
			return fmt.Errorf("exporting record %q: %w", id, err)
		}
		records[id] = payload
	}

	packed, err := cbor.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}

	compressed, err := compress(packed)
	secret.Zero(packed)
	if err != nil {
		return err
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("sampling bundle salt: %w", err)
	}
	key := bundleKey(passphrase, salt)
	defer secret.Zero(key)

	blob, err := blobcrypt.New("coffer.bundle", nil).Encrypt(compressed, key, salt)
	secret.Zero(compressed)
	if err != nil {
		return fmt.Errorf("sealing bundle: %w", err)
	}

	encoded, err := cbor.Marshal(bundleFile{Version: bundleVersion, Salt: salt, Blob: blob})
	if err != nil {
		return fmt.Errorf("encoding bundle: %w", err)
	}
	if err := os.WriteFile(args[0], encoded, 0o600); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}

	fmt.Fprintf(os.Stderr, "exported %d records to %s\n", len(records), args[0])
	return nil
}

func commandImport(open managerOpener, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: coffer import <bundle-file>")
	}
	passphrase, err := transferPassphrase()
	if err != nil {
		return err
	}

	encoded, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}

	var bundle bundleFile
	if err := cbor.Unmarshal(encoded, &bundle); err != nil {
		return fmt.Errorf("decoding bundle: %w", err)
	}
	if bundle.Version != bundleVersion {
		return fmt.Errorf("bundle version %d is not supported (expected %d)",
			bundle.Version, bundleVersion)
	}

	key := bundleKey(passphrase, bundle.Salt)
	defer secret.Zero(key)

	compressed, err := blobcrypt.New("coffer.bundle", nil).Decrypt(bundle.Blob, key, bundle.Salt)
	if err != nil {
		return fmt.Errorf("opening bundle (wrong passphrase or corrupt file): %w", err)
	}

	packed, err := decompress(compressed)
	secret.Zero(compressed)
	if err != nil {
		return err
	}
	defer secret.Zero(packed)

	var records bundleRecords
	if err := cbor.Unmarshal(packed, &records); err != nil {
		return fmt.Errorf("decoding records: %w", err)
	}

	manager, err := open(nil)
	if err != nil {
		return err
	}
	defer manager.Close()

	imported := 0
	for id, payload := range records {
		if err := manager.Store(id, payload); err != nil {
			return fmt.Errorf("importing record %q after %d records: %w", id, imported, err)
		}
		imported++
	}

	fmt.Fprintf(os.Stderr, "imported %d records from %s\n", imported, args[0])
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := zstd.NewWriter(&buffer)
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finishing compression: %w", err)
	}
	return buffer.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	reader, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return decompressed, nil
}
