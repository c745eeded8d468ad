// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package deviceid

import (
	"errors"
	"testing"

	"github.com/coffer-project/coffer/lib/errcode"
)

func TestStatic(t *testing.T) {
	provider := Static([]byte("DeviceSN001"))

	identity, err := provider.Identity()
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if string(identity) != "DeviceSN001" {
		t.Errorf("identity = %q, expected DeviceSN001", identity)
	}
}

func TestStatic_Empty(t *testing.T) {
	provider := Static(nil)

	_, err := provider.Identity()
	if !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStatic_CopiesInput(t *testing.T) {
	source := []byte("mutable")
	provider := Static(source)
	source[0] = 'X'

	identity, err := provider.Identity()
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if string(identity) != "mutable" {
		t.Errorf("identity = %q, provider aliased the caller's slice", identity)
	}
}

func TestSystemProvider_CachesFirstRead(t *testing.T) {
	calls := 0
	provider := &SystemProvider{readHost: func() (string, error) {
		calls++
		return "machine-id-abc", nil
	}}

	first, err := provider.Identity()
	if err != nil {
		t.Fatalf("first Identity failed: %v", err)
	}
	second, err := provider.Identity()
	if err != nil {
		t.Fatalf("second Identity failed: %v", err)
	}
	if string(first) != "machine-id-abc" || string(second) != "machine-id-abc" {
		t.Errorf("identities = %q, %q", first, second)
	}
	if calls != 1 {
		t.Errorf("host probe ran %d times, expected 1", calls)
	}
}

func TestSystemProvider_TrimsWhitespace(t *testing.T) {
	provider := &SystemProvider{readHost: func() (string, error) {
		return "  machine-id-abc\n", nil
	}}

	identity, err := provider.Identity()
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if string(identity) != "machine-id-abc" {
		t.Errorf("identity = %q, expected trimmed value", identity)
	}
}

func TestSystemProvider_BootIDFallback(t *testing.T) {
	provider := &SystemProvider{readHost: func() (string, error) {
		return "", errors.New("no machine id")
	}}

	identity, err := provider.Identity()
	if err != nil {
		// Hosts without /proc (containers, non-Linux CI) legitimately
		// have neither source.
		if !errors.Is(err, errcode.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got %v", err)
		}
		return
	}
	if len(identity) == 0 {
		t.Error("fallback returned an empty identity without error")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("device-a"))
	b := Fingerprint([]byte("device-b"))

	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, expected 16 hex chars", len(a))
	}
	if a == b {
		t.Error("distinct identities produced identical fingerprints")
	}
	if a != Fingerprint([]byte("device-a")) {
		t.Error("fingerprint is not deterministic")
	}
}
