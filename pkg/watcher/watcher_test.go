package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) NotifyBusySessions(reason, message string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, reason+"|"+message)
	return 1
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func newTestWatcher(t *testing.T, root string) (*Watcher, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	w, err := New(Config{
		Root:     root,
		Debounce: 50 * time.Millisecond,
		Notifier: notifier,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w, notifier
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Root: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifier")

	_, err = New(Config{Notifier: &recordingNotifier{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root")
}

func TestNotifiesOnFileChange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	_, notifier := newTestWatcher(t, root)

	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644))

	require.Eventually(t, func() bool {
		for _, m := range notifier.all() {
			if m == "repo_changed|file changed during turn: main.go" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDebouncesWriteBursts(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))

	_, notifier := newTestWatcher(t, root)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('0' + i)}, 0o644))
	}

	require.Eventually(t, func() bool {
		return len(notifier.all()) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Let any stray timers fire, then confirm the burst collapsed.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, notifier.all(), 1)
}

func TestIgnoresSkippedDirectories(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{".git", "node_modules", "__pycache__"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	_, notifier := newTestWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("SECRET=1"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, notifier.all())
}

func TestWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	_, notifier := newTestWatcher(t, root)

	sub := filepath.Join(root, "internal")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	// Give the create event a moment to extend the watch set.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "core.go"), []byte("package internal\n"), 0o644))

	want := "repo_changed|file changed during turn: " + filepath.Join("internal", "core.go")
	require.Eventually(t, func() bool {
		for _, m := range notifier.all() {
			if m == want {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	w, _ := newTestWatcher(t, t.TempDir())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
