package cliconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/framerelay/pkg/fragment"
	"github.com/bft-labs/framerelay/pkg/log"
)

// DefaultDebounceDelay is how long the watcher waits after the last change
// before reloading.
const DefaultDebounceDelay = 200 * time.Millisecond

// Tunables are the settings a running process picks up from an edited config
// file. Zero values mean the file does not set them, or that a flag or
// environment variable overrides the file.
type Tunables struct {
	LogLevel     string
	MaxChunkSize int
}

// Watcher reloads Tunables when the config file changes.
type Watcher struct {
	path     string
	delay    time.Duration
	logger   log.Logger
	changed  map[string]bool
	onChange func(Tunables)

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher watches path and calls onChange with the reloaded tunables.
// Settings whose flag is in changed, or whose FRAMERELAY_* variable is set,
// keep their startup value. onChange runs on a timer goroutine.
func NewWatcher(path string, logger log.Logger, changed map[string]bool, onChange func(Tunables)) *Watcher {
	return &Watcher{
		path:     path,
		delay:    DefaultDebounceDelay,
		logger:   log.OrNoop(logger),
		changed:  changed,
		onChange: onChange,
	}
}

// Name identifies the watcher to a lifecycle supervisor.
func (w *Watcher) Name() string { return "configwatcher" }

// Run watches the file's directory, so editors that replace the file on save
// are followed. It returns ctx.Err() once ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.stop()

	w.logger.Info("watching config file", log.String("path", w.path))
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", log.Err(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}

func (w *Watcher) reload() {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", log.String("path", w.path), log.Err(err))
		return
	}

	var t Tunables
	if !w.overridden("log-level") {
		t.LogLevel = fc.LogLevel
	}
	if fc.MaxChunkSize != nil && !w.overridden("max-chunk-size") {
		if *fc.MaxChunkSize == 0 {
			w.logger.Warn("config reload rejected", log.String("path", w.path),
				log.Err(invalid("max_chunk_size", fmt.Errorf("must be at least 1"))))
			return
		}
		t.MaxChunkSize = *fc.MaxChunkSize
	}
	if err := t.validate(); err != nil {
		w.logger.Warn("config reload rejected", log.String("path", w.path), log.Err(err))
		return
	}

	w.logger.Info("config reloaded",
		log.String("log_level", t.LogLevel),
		log.Int("max_chunk_size", t.MaxChunkSize),
	)
	w.onChange(t)
}

// overridden reports whether flag was set on the command line or through
// the environment, which both take precedence over the file.
func (w *Watcher) overridden(flag string) bool {
	if w.changed[flag] {
		return true
	}
	_, ok := os.LookupEnv(EnvName(flag))
	return ok
}

func (t Tunables) validate() error {
	if t.LogLevel != "" {
		if _, err := log.ParseLevel(t.LogLevel); err != nil {
			return invalid("log_level", err)
		}
	}
	if t.MaxChunkSize != 0 && (t.MaxChunkSize < 1 || t.MaxChunkSize > fragment.MaxChunkSize) {
		return invalid("max_chunk_size", fmt.Errorf("%d out of range (1..%d)", t.MaxChunkSize, fragment.MaxChunkSize))
	}
	return nil
}
