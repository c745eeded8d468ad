// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Coffer packages.
//
// [Receive] and [WaitClosed] put a deadline on channel operations so
// that a watcher test whose event never arrives fails with a message
// naming what it was waiting for, instead of hanging the whole test
// binary until the go test timeout kills it.
//
// Helpers fail the test directly rather than returning errors: a
// missed event or an unjoined goroutine leaves nothing worth
// continuing with.
//
// This package has no Coffer-internal dependencies.
package testutil
