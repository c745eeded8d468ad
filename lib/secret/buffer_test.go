// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNew(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New(32): %v", err)
	}
	defer buffer.Close()

	region := buffer.Bytes()
	if len(region) != 32 {
		t.Fatalf("region length = %d, want 32", len(region))
	}
	if buffer.Len() != 32 {
		t.Errorf("Len = %d, want 32", buffer.Len())
	}

	// Fresh anonymous pages arrive zeroed; a dirty region would mean
	// the mapping is not actually fresh.
	for offset, value := range region {
		if value != 0 {
			t.Fatalf("fresh region has nonzero byte %#x at offset %d", value, offset)
		}
	}
}

func TestNew_RejectsNonPositiveSizes(t *testing.T) {
	for _, size := range []int{0, -1, -32} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestNewFromBytes_MovesAndScrubs(t *testing.T) {
	keyMaterial := []byte("thirty-two bytes of key material")
	want := append([]byte(nil), keyMaterial...)

	buffer, err := NewFromBytes(keyMaterial)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Error("protected region does not hold the source content")
	}

	// The heap copy must be gone the moment the move completes.
	for offset, value := range keyMaterial {
		if value != 0 {
			t.Fatalf("source not scrubbed: byte %#x at offset %d", value, offset)
		}
	}
}

func TestNewFromBytes_RejectsEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) succeeded, want error")
	}
	if _, err := NewFromBytes([]byte{}); err == nil {
		t.Error("NewFromBytes(empty) succeeded, want error")
	}
}

func TestEqual(t *testing.T) {
	buffer, err := NewFromBytes([]byte("comparison-content"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !buffer.Equal([]byte("comparison-content")) {
		t.Error("Equal = false for matching content")
	}
	if buffer.Equal([]byte("comparison-CONTENT")) {
		t.Error("Equal = true for differing content")
	}
	if buffer.Equal([]byte("comparison")) {
		t.Error("Equal = true for a shorter prefix")
	}
	if buffer.Equal(nil) {
		t.Error("Equal = true for nil")
	}
}

func TestClose(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	copy(buffer.Bytes(), "sixteen byte key")

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The region reference must be dropped so nothing can reach the
	// (now unmapped) memory.
	if buffer.region != nil {
		t.Error("region still referenced after Close")
	}
	if buffer.Len() != 0 {
		t.Errorf("Len after Close = %d, want 0", buffer.Len())
	}

	// A second Close is a no-op, not a double release.
	if err := buffer.Close(); err != nil {
		t.Errorf("repeated Close: %v", err)
	}
}

func TestBytes_PanicsAfterClose(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes on a released buffer did not panic")
		}
	}()
	buffer.Bytes()
}

func TestEqual_PanicsAfterClose(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Equal on a released buffer did not panic")
		}
	}()
	buffer.Equal([]byte("x"))
}

func TestZero(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	Zero(data)
	if !bytes.Equal(data, make([]byte, 4)) {
		t.Errorf("Zero left %x", data)
	}
}
