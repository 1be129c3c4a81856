// Package watcher notices repository changes while turns are running
// and warns the affected sessions that answers in flight may be based
// on stale context.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"repoagent/pkg/repotools"
)

// DefaultDebounce merges editor save bursts into one notification.
const DefaultDebounce = 500 * time.Millisecond

// Notifier receives change warnings. *session.Manager satisfies it.
type Notifier interface {
	NotifyBusySessions(reason, message string) int
}

// Config holds watcher configuration.
type Config struct {
	Root     string
	Debounce time.Duration
	Notifier Notifier
	Logger   zerolog.Logger
}

// Watcher follows the repository tree recursively, skipping the same
// directories the repository tools skip.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	debounce time.Duration
	notifier Notifier
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// New validates cfg and builds a watcher. Start arms it.
func New(cfg Config) (*Watcher, error) {
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		fsw:            fsw,
		root:           absRoot,
		debounce:       cfg.Debounce,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

// Start arms the recursive watch and spawns the event loop.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch repository: %w", err)
	}
	go w.eventLoop()
	w.logger.Info().Str("root", w.root).Msg("repository watcher started")
	return nil
}

// Stop tears the watcher down. Idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	// New directories join the watch set right away so changes inside
	// them are not missed.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}
	}

	w.debounceEvent(event.Name)
}

func (w *Watcher) debounceEvent(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
		default:
			w.announce(path)
		}
	})
}

// announce warns every session with a running or pending turn. Idle
// sessions are left alone; their next turn reads fresh state anyway.
func (w *Watcher) announce(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}

	notified := w.notifier.NotifyBusySessions("repo_changed", "file changed during turn: "+rel)
	if notified > 0 {
		w.logger.Info().Str("path", rel).Int("sessions", notified).Msg("repository changed during turn")
	} else {
		w.logger.Debug().Str("path", rel).Msg("repository changed")
	}
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("failed to watch directory")
		}
		return nil
	})
}

// ignored applies the repository tools' directory skip rules to every
// path component, so churn in .git, node_modules, build output, and
// the like never reaches sessions.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	if rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if repotools.IgnoredDir(part) {
			return true
		}
	}
	return false
}
