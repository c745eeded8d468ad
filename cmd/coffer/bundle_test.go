// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/coffer-project/coffer/lib/coffer"
	"github.com/coffer-project/coffer/lib/deviceid"
	"github.com/coffer-project/coffer/lib/dirwatch"
)

func testOpener(t *testing.T, root, identity string) managerOpener {
	t.Helper()
	return func(sink dirwatch.Sink) (*coffer.Manager, error) {
		return coffer.New(coffer.Config{
			Root:     root,
			Identity: deviceid.Static([]byte(identity)),
			Sink:     sink,
		})
	}
}

func TestCompressRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("compressible payload "), 100)

	compressed, err := compress(original)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Errorf("compressed %d bytes to %d; expected a reduction", len(original), len(compressed))
	}

	decompressed, err := decompress(compressed)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Error("compress/decompress round trip altered the data")
	}
}

func TestBundleKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	first := bundleKey([]byte("passphrase"), salt)
	second := bundleKey([]byte("passphrase"), salt)
	if !bytes.Equal(first, second) {
		t.Error("same passphrase and salt derived different keys")
	}
	other := bundleKey([]byte("different"), salt)
	if bytes.Equal(first, other) {
		t.Error("different passphrases derived the same key")
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	t.Setenv(passphraseEnv, "transfer-secret")
	bundlePath := filepath.Join(t.TempDir(), "records.bundle")

	// Source device: two records under identity A.
	source := testOpener(t, t.TempDir(), "device-a")
	manager, err := source(nil)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	if err := manager.Store("cfg", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := manager.Store("telemetry", []byte("cached")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	manager.Close()

	if err := commandExport(source, []string{bundlePath}); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	// Destination device: identity B, fresh root.
	destinationRoot := t.TempDir()
	destination := testOpener(t, destinationRoot, "device-b")
	if err := commandImport(destination, []string{bundlePath}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	manager, err = destination(nil)
	if err != nil {
		t.Fatalf("opening destination: %v", err)
	}
	defer manager.Close()

	payload, err := manager.Retrieve("cfg")
	if err != nil {
		t.Fatalf("Retrieve after import failed: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x01, 0x02}) {
		t.Errorf("imported cfg = %x", payload)
	}

	ids, err := manager.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("imported %d records, expected 2: %v", len(ids), ids)
	}
}

func TestImport_WrongPassphrase(t *testing.T) {
	bundlePath := filepath.Join(t.TempDir(), "records.bundle")

	t.Setenv(passphraseEnv, "correct")
	source := testOpener(t, t.TempDir(), "device-a")
	manager, err := source(nil)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	if err := manager.Store("cfg", []byte("x")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	manager.Close()

	if err := commandExport(source, []string{bundlePath}); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	t.Setenv(passphraseEnv, "wrong")
	destination := testOpener(t, t.TempDir(), "device-b")
	if err := commandImport(destination, []string{bundlePath}); err == nil {
		t.Fatal("import with wrong passphrase succeeded")
	}
}
