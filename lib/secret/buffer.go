// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps the derived master key out of the Go heap.
//
// The garbage collector is free to copy and relocate heap memory, so
// a key on the heap can leave stale copies behind that Zero never
// reaches, and any of them can be swapped to disk or written into a
// core dump. Buffer sidesteps all three leaks at once: the key lives
// in an anonymous mmap region that the runtime never manages, pinned
// in RAM with mlock and flagged MADV_DONTDUMP. Releasing the buffer
// overwrites the region before giving it back to the kernel.
//
// The intended lifecycle is narrow: key derivation produces a heap
// slice, NewFromBytes moves it into protected memory (scrubbing the
// slice), the blob store borrows the bytes for each codec call, and
// store teardown releases the buffer. Nothing else should hold key
// material.
package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size region of protected memory. It is created by
// [New] or [NewFromBytes] and must be released with Close exactly
// when the secret's lifetime ends. Reading a released buffer panics:
// that is a use-after-free of key material, a programmer error rather
// than a runtime condition.
//
// Buffer contains a mutex and must not be copied.
type Buffer struct {
	mu       sync.Mutex
	region   []byte
	released bool
}

// New returns a zeroed protected buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: region size %d is not positive", size)
	}

	region, err := mapProtected(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{region: region}, nil
}

// NewFromBytes moves key material into a protected buffer. The source
// slice is scrubbed before NewFromBytes returns, success or failure,
// so the caller's heap copy stops holding the secret either way.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: refusing to protect an empty secret")
	}

	region, err := mapProtected(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(region, source)
	Zero(source)

	return &Buffer{region: region}, nil
}

// mapProtected allocates size bytes of anonymous memory outside the
// Go heap, locked against swap and excluded from core dumps. Partial
// failures unwind: a region that cannot be fully protected is never
// returned.
func mapProtected(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mapping %d-byte region: %w", size, err)
	}

	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: pinning region in RAM: %w", err)
	}

	// Older kernels reject MADV_DONTDUMP. A key that can land in a
	// core dump is not protected, so this is unwound like the rest
	// rather than tolerated.
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: excluding region from core dumps: %w", err)
	}

	return region, nil
}

// Bytes exposes the protected memory for borrowing during a codec
// call. The slice aliases the region itself — callers must not retain
// it, copy it, or pass it to anything that does. Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		panic("secret: Bytes on released buffer")
	}
	return b.region
}

// Len returns the region size. Valid on a released buffer (it reports
// zero).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Equal compares the protected contents against other without leaking
// timing about where they diverge. Panics after Close.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		panic("secret: Equal on released buffer")
	}
	return subtle.ConstantTimeCompare(b.region, other) == 1
}

// Close scrubs the region and returns it to the kernel. Idempotent.
// The unlock and unmap are attempted even if the earlier step fails;
// the first failure is reported, but the process exiting releases the
// memory regardless, so callers normally only log this error.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true

	Zero(b.region)

	unlockErr := unix.Munlock(b.region)
	unmapErr := unix.Munmap(b.region)
	b.region = nil

	if unlockErr != nil {
		return fmt.Errorf("secret: unpinning region: %w", unlockErr)
	}
	if unmapErr != nil {
		return fmt.Errorf("secret: unmapping region: %w", unmapErr)
	}
	return nil
}

// Zero scrubs a heap slice that held key material. The loop is kept
// trivial so the compiler lowers it to memclr; there is no
// dead-store-elimination hazard because every caller passes memory
// that remains reachable.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
