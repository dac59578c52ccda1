package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/wingpad/internal/editor"
)

func nextEvent(t *testing.T, w *Watcher) editor.Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func TestWatcherReportsLifecycle(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, ok := nextEvent(t, w).(editor.NodeCreated)
	if !ok {
		t.Fatal("first event should be a creation")
	}
	if created.Path != path {
		t.Errorf("path = %q, want %q", created.Path, path)
	}

	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Rewriting may surface as one or more modification events for the
	// same node.
	ev := nextEvent(t, w)
	modified, ok := ev.(editor.FileModified)
	if !ok {
		t.Fatalf("got %T, want FileModified", ev)
	}
	if modified.Node != created.Node {
		t.Error("modification should reuse the creation's node id")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	for {
		ev := nextEvent(t, w)
		if deleted, ok := ev.(editor.NodeDeleted); ok {
			if deleted.Node != created.Node {
				t.Error("deletion should name the created node")
			}
			return
		}
	}
}

func TestWatcherCoversNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	created, ok := nextEvent(t, w).(editor.NodeCreated)
	if !ok || created.Path != sub {
		t.Fatalf("expected creation of %s", sub)
	}

	// Wait a beat for the new watch to be in place, then create inside.
	time.Sleep(100 * time.Millisecond)
	inner := filepath.Join(sub, "inner.txt")
	if err := os.WriteFile(inner, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for {
		ev := nextEvent(t, w)
		if c, ok := ev.(editor.NodeCreated); ok && c.Path == inner {
			return
		}
	}
}
