// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package errcode defines the closed error vocabulary shared by all
// Coffer packages.
//
// Every fallible operation of the storage packages (deviceid,
// keyderive, blobcrypt, fsutil, blobstore, dirwatch, coffer) returns
// either nil (success) or an error whose chain contains exactly one of
// the sentinels declared here. lib/config and lib/secret return plain
// errors that carry no sentinel; Kind classifies those as ErrUnknown.
// Call sites add context with fmt.Errorf and %w; callers classify with
// errors.Is, or with [Kind] when they need the sentinel itself
// (table-driven tests).
//
// The set is deliberately closed. Adding a sentinel is an API change:
// embedders switch on these values to decide between retry, recovery,
// and surfacing to the vehicle's diagnostic stack.
package errcode
