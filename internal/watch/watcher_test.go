package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func createArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	if err := os.WriteFile(path, []byte("seed"), 0o644); err != nil {
		t.Fatalf("Failed to create archive file: %v", err)
	}
	return path
}

func expectTick(t *testing.T, ticks <-chan Tick, timeout time.Duration) Tick {
	t.Helper()
	select {
	case tick, ok := <-ticks:
		if !ok {
			t.Fatal("tick channel closed unexpectedly")
		}
		return tick
	case <-time.After(timeout):
		t.Fatal("timed out waiting for tick")
		return Tick{}
	}
}

func expectNoTick(t *testing.T, ticks <-chan Tick, window time.Duration) {
	t.Helper()
	select {
	case tick := <-ticks:
		t.Fatalf("unexpected tick: %+v", tick)
	case <-time.After(window):
	}
}

func TestEventBurstCoalescesToOneTick(t *testing.T) {
	path := createArchive(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Poll effectively disabled so only filesystem events fire.
	w := New(path, Options{Debounce: 50 * time.Millisecond, PollInterval: time.Hour}, nil)
	w.Start(ctx)

	// Give the watcher a moment to install its directory watch.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 10; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("Failed to write archive: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	tick := expectTick(t, w.Ticks(), 2*time.Second)
	if tick.Timestamp <= 0 {
		t.Errorf("tick timestamp = %d", tick.Timestamp)
	}

	// The whole burst fell inside one debounce window.
	expectNoTick(t, w.Ticks(), 300*time.Millisecond)
}

func TestIgnoresUnrelatedFiles(t *testing.T) {
	path := createArchive(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(path, Options{Debounce: 30 * time.Millisecond, PollInterval: time.Hour}, nil)
	w.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}

	expectNoTick(t, w.Ticks(), 300*time.Millisecond)
}

func TestSiblingWALFileTriggersEvents(t *testing.T) {
	path := createArchive(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(path, Options{Debounce: 30 * time.Millisecond, PollInterval: time.Hour}, nil)
	w.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path+"-wal", []byte("wal"), 0o644); err != nil {
		t.Fatalf("Failed to write wal file: %v", err)
	}

	expectTick(t, w.Ticks(), 2*time.Second)
}

func TestPollBaselineNeverEmits(t *testing.T) {
	path := createArchive(t)
	if err := os.WriteFile(path+"-wal", []byte("wal"), 0o644); err != nil {
		t.Fatalf("Failed to write wal file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Debounce set huge so the event source stays quiet.
	w := New(path, Options{Debounce: time.Hour, PollInterval: 30 * time.Millisecond}, nil)
	w.Start(ctx)

	// An unchanged wal file produces nothing, even on the first polls.
	expectNoTick(t, w.Ticks(), 300*time.Millisecond)
}

func TestPollDetectsWALChange(t *testing.T) {
	path := createArchive(t)
	walPath := path + "-wal"
	if err := os.WriteFile(walPath, []byte("wal"), 0o644); err != nil {
		t.Fatalf("Failed to write wal file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(path, Options{Debounce: time.Hour, PollInterval: 30 * time.Millisecond}, nil)
	w.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	// Force a visible mtime change regardless of filesystem resolution.
	future := time.Now().Add(10 * time.Second)
	if err := os.Chtimes(walPath, future, future); err != nil {
		t.Fatalf("Failed to bump wal mtime: %v", err)
	}

	expectTick(t, w.Ticks(), 2*time.Second)
}

func TestTicksChannelClosesOnCancel(t *testing.T) {
	path := createArchive(t)

	ctx, cancel := context.WithCancel(context.Background())
	w := New(path, Options{Debounce: 30 * time.Millisecond, PollInterval: time.Hour}, nil)
	w.Start(ctx)

	cancel()

	select {
	case _, ok := <-w.Ticks():
		if ok {
			t.Error("expected closed tick channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick channel did not close after cancel")
	}
}
