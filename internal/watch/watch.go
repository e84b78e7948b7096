// Package watch triggers automatic saves when new commits land in the
// repository or an AI tool writes to its session storage.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/teammem/internal/logging"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Trigger is what caused a save.
type Trigger int

const (
	// TriggerCommit is a new commit recorded in logs/HEAD.
	TriggerCommit Trigger = iota
	// TriggerSession is a write to a watched session directory.
	TriggerSession
)

func (t Trigger) String() string {
	if t == TriggerCommit {
		return "git_commit"
	}
	return "session"
}

// SaveFunc runs one save. Its error is logged; the watcher keeps going.
type SaveFunc func(ctx context.Context, reason Trigger) error

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period after the last change before saving.
	Debounce time.Duration
	// SessionDirs are watched non-recursively. Missing ones are skipped.
	SessionDirs []string
}

// Watcher coalesces filesystem activity into debounced saves. Saves run one
// at a time on the watcher's goroutine; changes during a save schedule the
// next one.
type Watcher struct {
	gitDir     string
	dirs       []string
	debounce   time.Duration
	fsw        *fsnotify.Watcher
	lastCommit string
}

// New creates a watcher for the repository whose git directory is gitDir.
func New(gitDir string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 10 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{gitDir: gitDir, dirs: opts.SessionDirs, debounce: opts.Debounce, fsw: fsw}, nil
}

// logsDir holds logs/HEAD. It is watched as a directory so the first
// commit, which creates the file, is seen too.
func (w *Watcher) logsDir() string {
	return filepath.Join(w.gitDir, "logs")
}

// add registers every path to watch. A missing logs directory is created;
// a missing session directory is skipped.
func (w *Watcher) add(ctx context.Context) error {
	log := logging.FromContext(ctx)
	if err := os.MkdirAll(w.logsDir(), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", w.logsDir(), err)
	}
	if err := w.fsw.Add(w.logsDir()); err != nil {
		return fmt.Errorf("watching %s: %w", w.logsDir(), err)
	}
	for _, dir := range w.dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			log.Debug(ctx, "session directory not present, not watching", zap.String("dir", dir))
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			log.Warn(ctx, "cannot watch session directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	return nil
}

// Run watches until ctx is done and closes the watcher on return.
func (w *Watcher) Run(ctx context.Context, save SaveFunc) error {
	defer w.fsw.Close()
	log := logging.FromContext(ctx)

	if err := w.add(ctx); err != nil {
		return err
	}
	w.lastCommit = w.readLastCommit()
	log.Info(ctx, "watching for activity",
		zap.String("git_dir", w.gitDir),
		zap.Strings("session_dirs", w.dirs),
		zap.Duration("debounce", w.debounce))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pending *Trigger
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			trigger, ok := w.classify(ev)
			if !ok {
				continue
			}
			// A commit outranks session activity for the same save.
			if pending == nil || trigger == TriggerCommit {
				pending = &trigger
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn(ctx, "watcher error", zap.Error(err))

		case <-timer.C:
			if pending == nil {
				continue
			}
			reason := *pending
			pending = nil
			log.Debug(ctx, "activity settled, saving", zap.Stringer("trigger", reason))
			if err := save(ctx, reason); err != nil && ctx.Err() == nil {
				log.Warn(ctx, "automatic save failed", zap.Stringer("trigger", reason), zap.Error(err))
			}
		}
	}
}

// classify maps a filesystem event to a trigger.
func (w *Watcher) classify(ev fsnotify.Event) (Trigger, bool) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return 0, false
	}
	if filepath.Dir(ev.Name) == w.logsDir() {
		if filepath.Base(ev.Name) != "HEAD" {
			return 0, false
		}
		commit := w.readLastCommit()
		if commit == "" || commit == w.lastCommit {
			return 0, false
		}
		w.lastCommit = commit
		return TriggerCommit, true
	}
	if strings.HasSuffix(ev.Name, "-journal") || strings.HasSuffix(ev.Name, "-shm") {
		return 0, false
	}
	return TriggerSession, true
}

// readLastCommit returns the new-value hash of the last logs/HEAD entry.
func (w *Watcher) readLastCommit() string {
	content, err := os.ReadFile(filepath.Join(w.logsDir(), "HEAD"))
	if err != nil {
		return ""
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	parts := strings.Fields(lines[len(lines)-1])
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
