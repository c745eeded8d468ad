// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package dirwatch observes filesystem events on registered paths via
// inotify and delivers them to a sink.
//
// A Watcher runs one monitor goroutine that blocks in poll(2) over the
// inotify descriptor and a wake pipe. Stop writes one byte into the
// pipe and joins the goroutine; there is no polling timeout and no
// busy loop. The watcher observes and reports — it never mutates the
// watched directories, so it runs safely alongside a blob store on the
// same root.
//
// Lifecycle: a Watcher starts at most once. After Stop completes the
// watcher is terminal; create a new instance to watch again. Stop is
// safe to call multiple times, from any goroutine except the monitor
// itself, and tolerates a watcher that never started.
package dirwatch

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coffer-project/coffer/lib/errcode"
)

// eventBufferSize holds a batch of kernel events per read. Sized for
// ten maximal events (16-byte header plus a NAME_MAX name).
const eventBufferSize = 10 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

// Watcher lifecycle states.
const (
	stateIdle = iota
	stateRunning
	stateStopped
)

// Watcher monitors registered paths and reports events. Create with
// [New], then Start, AddWatch, and eventually Stop.
type Watcher struct {
	logger *slog.Logger
	sink   Sink

	// mu guards the state latch, the descriptor fields, and the
	// wd↔path maps. It is held only for map and state access, never
	// across poll/read syscalls or the sink callback.
	mu        sync.Mutex
	state     int
	inotifyFD int
	wakeRead  int
	wakeWrite int
	wdToPath  map[int]string
	pathToWd  map[string]int

	// done is closed by the monitor goroutine on exit; Stop joins on
	// it.
	done chan struct{}
}

// New creates a watcher delivering events to sink. A nil sink is
// legal: events are then only logged. A nil logger discards logs.
func New(sink Sink, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		logger:    logger,
		sink:      sink,
		inotifyFD: -1,
		wakeRead:  -1,
		wakeWrite: -1,
	}
}

// Start initializes inotify and the wake pipe and spawns the monitor
// goroutine. Calling Start on a running watcher is a no-op returning
// nil. A stopped watcher cannot be restarted: Start then returns
// errcode.ErrWatcherStartFailed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case stateRunning:
		return nil
	case stateStopped:
		return fmt.Errorf("watcher has been stopped; create a new instance: %w",
			errcode.ErrWatcherStartFailed)
	}

	inotifyFD, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w: %v", errcode.ErrWatcherStartFailed, err)
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(inotifyFD)
		return fmt.Errorf("creating wake pipe: %w: %v", errcode.ErrWatcherStartFailed, err)
	}

	w.inotifyFD = inotifyFD
	w.wakeRead = pipeFDs[0]
	w.wakeWrite = pipeFDs[1]
	w.wdToPath = make(map[int]string)
	w.pathToWd = make(map[string]int)
	w.done = make(chan struct{})
	w.state = stateRunning

	go w.monitor(inotifyFD, pipeFDs[0])

	w.logger.Info("directory watcher started")
	return nil
}

// AddWatch registers path with the fixed event mask. The path must
// exist. Adding a path that is already watched is a no-op.
func (w *Watcher) AddWatch(path string) error {
	if path == "" {
		return fmt.Errorf("watch path is empty: %w", errcode.ErrInvalidArgument)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateRunning {
		return fmt.Errorf("adding watch for %s on a watcher that is not running: %w",
			path, errcode.ErrNotInitialized)
	}
	if _, watched := w.pathToWd[path]; watched {
		return nil
	}
	if _, err := os.Lstat(path); err != nil {
		return fmt.Errorf("watch path %s does not exist: %w", path, errcode.ErrPathNotFound)
	}

	wd, err := unix.InotifyAddWatch(w.inotifyFD, path, watchMask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch on %s: %w: %v",
			path, errcode.ErrWatcherStartFailed, err)
	}

	w.wdToPath[wd] = path
	w.pathToWd[path] = wd
	w.logger.Info("watch added", "path", path, "wd", wd)
	return nil
}

// RemoveWatch unregisters path. A path that is not watched (including
// on a never-started or stopped watcher) is not an error.
func (w *Watcher) RemoveWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	wd, watched := w.pathToWd[path]
	if !watched {
		return nil
	}

	if _, err := unix.InotifyRmWatch(w.inotifyFD, uint32(wd)); err != nil {
		// The registration is dropped from the maps regardless: the
		// kernel side may already be gone (deleted path, unmount).
		w.logger.Warn("inotify_rm_watch failed; dropping registration anyway",
			"path", path, "wd", wd, "error", err)
	}

	delete(w.wdToPath, wd)
	delete(w.pathToWd, path)
	w.logger.Info("watch removed", "path", path, "wd", wd)
	return nil
}

// Stop signals the monitor goroutine, joins it, closes all
// descriptors, clears the watch maps, and latches the terminal state.
// Idempotent, and tolerant of a watcher that never started. Must not
// be called from the sink (the join would deadlock).
func (w *Watcher) Stop() error {
	w.mu.Lock()
	switch w.state {
	case stateStopped:
		w.mu.Unlock()
		return nil
	case stateIdle:
		// Never started: nothing to join, just latch.
		w.state = stateStopped
		w.mu.Unlock()
		return nil
	}
	w.state = stateStopped
	done := w.done

	// One byte into the wake pipe unblocks poll. EAGAIN means the
	// pipe is already full of wakeups, which serves just as well.
	if _, err := unix.Write(w.wakeWrite, []byte{'S'}); err != nil && err != unix.EAGAIN {
		w.logger.Warn("writing wake byte", "error", err)
	}
	w.mu.Unlock()

	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	for wd := range w.wdToPath {
		unix.InotifyRmWatch(w.inotifyFD, uint32(wd))
	}
	w.wdToPath = nil
	w.pathToWd = nil
	unix.Close(w.inotifyFD)
	unix.Close(w.wakeRead)
	unix.Close(w.wakeWrite)
	w.inotifyFD = -1
	w.wakeRead = -1
	w.wakeWrite = -1

	w.logger.Info("directory watcher stopped")
	return nil
}

// monitor is the watcher's event loop. It owns no state: descriptor
// values are passed in so the loop never races Stop's cleanup, and
// map access goes through short-held locks.
func (w *Watcher) monitor(inotifyFD, wakeFD int) {
	defer close(w.done)

	buffer := make([]byte, eventBufferSize)
	for {
		pollDescriptors := []unix.PollFd{
			{Fd: int32(inotifyFD), Events: unix.POLLIN},
			{Fd: int32(wakeFD), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pollDescriptors, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("poll failed; watcher exiting", "error", err)
			return
		}

		// Wake pipe readiness means Stop was called: drain and exit.
		if pollDescriptors[1].Revents&unix.POLLIN != 0 {
			var drain [16]byte
			unix.Read(wakeFD, drain[:])
			return
		}

		if pollDescriptors[0].Revents&unix.POLLIN == 0 {
			continue
		}

		bytesRead, err := unix.Read(inotifyFD, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				// Spurious readiness; poll again.
				continue
			}
			w.logger.Error("reading inotify events; watcher exiting",
				"error", fmt.Errorf("%w: %v", errcode.ErrWatcherReadFailed, err))
			return
		}
		if bytesRead == 0 {
			continue
		}

		w.dispatchEvents(buffer[:bytesRead])
	}
}

// dispatchEvents walks a buffer of packed inotify events and delivers
// each to the sink. Layout from inotify(7):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, null-padded to alignment
//	};
func (w *Watcher) dispatchEvents(buffer []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int(int32(binary.NativeEndian.Uint32(buffer[offset : offset+4])))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}

		var entryName string
		if nameLength > 0 {
			entryName = nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		offset += eventSize

		// Queue overflow arrives with wd == -1 and carries no path.
		if wd == -1 && mask&QueueOverflow != 0 {
			w.logger.Warn("inotify event queue overflowed; events were dropped")
			w.deliver(Event{Mask: QueueOverflow, Name: MaskString(QueueOverflow)})
			continue
		}

		w.mu.Lock()
		watchedPath, known := w.wdToPath[wd]
		if known && mask&WatchRemoved != 0 {
			// Kernel-side removal (path deleted or unmounted).
			delete(w.wdToPath, wd)
			delete(w.pathToWd, watchedPath)
		}
		w.mu.Unlock()

		if !known {
			// A watch removed moments ago can still have queued
			// events.
			w.logger.Debug("event for unknown watch descriptor", "wd", wd)
			continue
		}

		event := Event{
			WatchedPath: watchedPath,
			EntryName:   entryName,
			Mask:        mask,
			IsDir:       mask&isDirectory != 0,
			Name:        MaskString(mask),
		}
		w.logger.Info("filesystem event",
			"path", event.WatchedPath, "entry", event.EntryName,
			"events", event.Name, "dir", event.IsDir)
		w.deliver(event)
	}
}

// deliver invokes the sink outside any lock.
func (w *Watcher) deliver(event Event) {
	if w.sink != nil {
		w.sink(event)
	}
}

// nullTerminatedString extracts a string from a null-padded byte
// slice, stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for index, value := range data {
		if value == 0 {
			return string(data[:index])
		}
	}
	return string(data)
}
