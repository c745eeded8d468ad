// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

package dirwatch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coffer-project/coffer/lib/errcode"
	"github.com/coffer-project/coffer/lib/testutil"
)

// eventCollector buffers delivered events for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventCollector() *eventCollector {
	return &eventCollector{ch: make(chan Event, 64)}
}

func (c *eventCollector) sink(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	select {
	case c.ch <- event:
	default:
	}
}

// waitFor returns the first event matching the predicate within the
// timeout, or fails the test.
func (c *eventCollector) waitFor(t *testing.T, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-c.ch:
			if match(event) {
				return event
			}
		case <-deadline:
			c.mu.Lock()
			seen := append([]Event(nil), c.events...)
			c.mu.Unlock()
			t.Fatalf("timed out waiting for matching event; saw %v", seen)
		}
	}
}

func startedWatcher(t *testing.T, sink Sink) *Watcher {
	t.Helper()
	watcher := New(sink, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { watcher.Stop() })
	return watcher
}

func TestWatcher_DetectsCreate(t *testing.T) {
	directory := t.TempDir()
	collector := newEventCollector()
	watcher := startedWatcher(t, collector.sink)

	if err := watcher.AddWatch(directory); err != nil {
		t.Fatalf("AddWatch failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(directory, "ext.txt"), []byte("external"), 0o644); err != nil {
		t.Fatalf("creating file: %v", err)
	}

	event := collector.waitFor(t, 2*time.Second, func(event Event) bool {
		return event.Mask&Create != 0 && event.EntryName == "ext.txt"
	})
	if event.WatchedPath != directory {
		t.Errorf("WatchedPath = %q, expected %q", event.WatchedPath, directory)
	}
	if event.IsDir {
		t.Error("IsDir = true for a regular file")
	}
	if event.Name == "" {
		t.Error("event has no textual name")
	}
}

func TestWatcher_DetectsDeleteAndMove(t *testing.T) {
	directory := t.TempDir()
	collector := newEventCollector()
	watcher := startedWatcher(t, collector.sink)

	if err := watcher.AddWatch(directory); err != nil {
		t.Fatalf("AddWatch failed: %v", err)
	}

	path := filepath.Join(directory, "victim")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("creating file: %v", err)
	}
	moved := filepath.Join(directory, "moved")
	if err := os.Rename(path, moved); err != nil {
		t.Fatalf("renaming: %v", err)
	}
	if err := os.Remove(moved); err != nil {
		t.Fatalf("removing: %v", err)
	}

	collector.waitFor(t, 2*time.Second, func(event Event) bool {
		return event.Mask&MovedFrom != 0 && event.EntryName == "victim"
	})
	collector.waitFor(t, 2*time.Second, func(event Event) bool {
		return event.Mask&MovedTo != 0 && event.EntryName == "moved"
	})
	collector.waitFor(t, 2*time.Second, func(event Event) bool {
		return event.Mask&Delete != 0 && event.EntryName == "moved"
	})
}

func TestWatcher_StartIdempotent(t *testing.T) {
	watcher := startedWatcher(t, nil)
	if err := watcher.Start(); err != nil {
		t.Errorf("second Start failed: %v", err)
	}
}

func TestWatcher_StopJoins(t *testing.T) {
	watcher := New(nil, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		watcher.Stop()
		close(stopped)
	}()
	testutil.WaitClosed(t, stopped, 5*time.Second, "watcher monitor exit")
}

func TestWatcher_StopIdempotent(t *testing.T) {
	watcher := New(nil, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestWatcher_StopBeforeStart(t *testing.T) {
	watcher := New(nil, nil)
	if err := watcher.Stop(); err != nil {
		t.Fatalf("Stop before Start failed: %v", err)
	}

	// The stop is terminal even when nothing ever ran.
	if err := watcher.Start(); !errors.Is(err, errcode.ErrWatcherStartFailed) {
		t.Errorf("Start after Stop: expected ErrWatcherStartFailed, got %v", err)
	}
}

func TestWatcher_NoRestartAfterStop(t *testing.T) {
	watcher := New(nil, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := watcher.Start(); !errors.Is(err, errcode.ErrWatcherStartFailed) {
		t.Errorf("expected ErrWatcherStartFailed, got %v", err)
	}
}

func TestWatcher_NoEventsAfterStop(t *testing.T) {
	directory := t.TempDir()
	collector := newEventCollector()
	watcher := New(collector.sink, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := watcher.AddWatch(directory); err != nil {
		t.Fatalf("AddWatch failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	collector.mu.Lock()
	countAtStop := len(collector.events)
	collector.mu.Unlock()

	if err := os.WriteFile(filepath.Join(directory, "late.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("creating file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	collector.mu.Lock()
	countAfter := len(collector.events)
	collector.mu.Unlock()
	if countAfter != countAtStop {
		t.Errorf("%d events delivered after Stop", countAfter-countAtStop)
	}
}

func TestAddWatch_Validation(t *testing.T) {
	watcher := startedWatcher(t, nil)

	if err := watcher.AddWatch(""); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Errorf("empty path: expected ErrInvalidArgument, got %v", err)
	}
	missing := filepath.Join(t.TempDir(), "absent")
	if err := watcher.AddWatch(missing); !errors.Is(err, errcode.ErrPathNotFound) {
		t.Errorf("missing path: expected ErrPathNotFound, got %v", err)
	}
}

func TestAddWatch_Duplicate(t *testing.T) {
	directory := t.TempDir()
	watcher := startedWatcher(t, nil)

	if err := watcher.AddWatch(directory); err != nil {
		t.Fatalf("AddWatch failed: %v", err)
	}
	if err := watcher.AddWatch(directory); err != nil {
		t.Errorf("duplicate AddWatch failed: %v", err)
	}
}

func TestAddWatch_NotRunning(t *testing.T) {
	watcher := New(nil, nil)
	if err := watcher.AddWatch(t.TempDir()); !errors.Is(err, errcode.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRemoveWatch(t *testing.T) {
	directory := t.TempDir()
	collector := newEventCollector()
	watcher := startedWatcher(t, collector.sink)

	if err := watcher.AddWatch(directory); err != nil {
		t.Fatalf("AddWatch failed: %v", err)
	}
	if err := watcher.RemoveWatch(directory); err != nil {
		t.Fatalf("RemoveWatch failed: %v", err)
	}
	// Removing again (or a never-watched path) is not an error.
	if err := watcher.RemoveWatch(directory); err != nil {
		t.Errorf("second RemoveWatch failed: %v", err)
	}
	if err := watcher.RemoveWatch("/never/watched"); err != nil {
		t.Errorf("RemoveWatch of unknown path failed: %v", err)
	}
}

func TestRemoveWatch_OnStoppedWatcher(t *testing.T) {
	watcher := New(nil, nil)
	if err := watcher.RemoveWatch("/anything"); err != nil {
		t.Errorf("RemoveWatch before Start failed: %v", err)
	}
	watcher.Stop()
	if err := watcher.RemoveWatch("/anything"); err != nil {
		t.Errorf("RemoveWatch after Stop failed: %v", err)
	}
}

func TestWatcher_KernelSideRemoval(t *testing.T) {
	parent := t.TempDir()
	victim := filepath.Join(parent, "sub")
	if err := os.Mkdir(victim, 0o755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	collector := newEventCollector()
	watcher := startedWatcher(t, collector.sink)
	if err := watcher.AddWatch(victim); err != nil {
		t.Fatalf("AddWatch failed: %v", err)
	}

	// Deleting the watched directory makes the kernel drop the watch;
	// the watcher must observe the self-delete and clean its maps.
	if err := os.Remove(victim); err != nil {
		t.Fatalf("removing watched dir: %v", err)
	}

	collector.waitFor(t, 2*time.Second, func(event Event) bool {
		return event.Mask&DeleteSelf != 0 && event.WatchedPath == victim
	})

	// The registration is gone: re-removal is a silent no-op.
	deadline := time.Now().Add(2 * time.Second)
	for {
		watcher.mu.Lock()
		_, stillMapped := watcher.pathToWd[victim]
		watcher.mu.Unlock()
		if !stillMapped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watch mapping not cleaned after kernel-side removal")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMaskString(t *testing.T) {
	rendered := MaskString(Create | isDirectory)
	if rendered != "CREATE ISDIR" {
		t.Errorf("MaskString = %q, expected \"CREATE ISDIR\"", rendered)
	}
	if MaskString(0) != "" {
		t.Errorf("MaskString(0) = %q, expected empty", MaskString(0))
	}
}
