// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package dirwatch

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Event mask bits, aliased from the kernel's inotify constants so
// embedders can test membership without importing unix.
const (
	Modify          = unix.IN_MODIFY
	CloseAfterWrite = unix.IN_CLOSE_WRITE
	AttribChanged   = unix.IN_ATTRIB
	Create          = unix.IN_CREATE
	Delete          = unix.IN_DELETE
	MovedFrom       = unix.IN_MOVED_FROM
	MovedTo         = unix.IN_MOVED_TO
	DeleteSelf      = unix.IN_DELETE_SELF
	MoveSelf        = unix.IN_MOVE_SELF

	// QueueOverflow is synthesized when the kernel drops events; the
	// watcher reports it and keeps running.
	QueueOverflow = unix.IN_Q_OVERFLOW

	// WatchRemoved reports that the kernel dropped a watch (the
	// watched path was deleted or its filesystem unmounted).
	WatchRemoved = unix.IN_IGNORED

	isDirectory = unix.IN_ISDIR
)

// watchMask is the fixed event set registered for every watch.
const watchMask = Modify | CloseAfterWrite | AttribChanged |
	Create | Delete | MovedFrom | MovedTo | DeleteSelf | MoveSelf

// Event is one observed filesystem change. For a watch on a
// directory, EntryName names the affected child; for a watch on a
// single file, EntryName is empty.
type Event struct {
	// WatchedPath is the path as originally registered with AddWatch.
	WatchedPath string

	// EntryName is the name of the child the event concerns, or ""
	// when the event is about the watched path itself.
	EntryName string

	// Mask is the raw event bits; test membership against the
	// constants above.
	Mask uint32

	// IsDir reports whether the event concerns a directory.
	IsDir bool

	// Name is the human-readable rendering of Mask, for logs.
	Name string
}

// Sink receives events on the watcher's monitor goroutine. It must
// not block indefinitely, must not panic, and must not call Stop on
// the watcher that delivered the event.
type Sink func(Event)

// maskNames orders the mask bits for MaskString output.
var maskNames = []struct {
	bit  uint32
	name string
}{
	{unix.IN_ACCESS, "ACCESS"},
	{Modify, "MODIFY"},
	{AttribChanged, "ATTRIB"},
	{CloseAfterWrite, "CLOSE_WRITE"},
	{unix.IN_CLOSE_NOWRITE, "CLOSE_NOWRITE"},
	{unix.IN_OPEN, "OPEN"},
	{MovedFrom, "MOVED_FROM"},
	{MovedTo, "MOVED_TO"},
	{Create, "CREATE"},
	{Delete, "DELETE"},
	{DeleteSelf, "DELETE_SELF"},
	{MoveSelf, "MOVE_SELF"},
	{unix.IN_UNMOUNT, "UNMOUNT"},
	{QueueOverflow, "Q_OVERFLOW"},
	{WatchRemoved, "IGNORED"},
	{isDirectory, "ISDIR"},
}

// MaskString renders an event mask as space-separated flag names.
func MaskString(mask uint32) string {
	var parts []string
	for _, entry := range maskNames {
		if mask&entry.bit != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, " ")
}
