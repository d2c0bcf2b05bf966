package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration file into a Live when it changes on disk.
// Invalid or unreadable files are logged and the previous config is kept.
type Watcher struct {
	loader   *Loader
	live     *Live
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(*Config)

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher watches the directory of the loader's config file. The
// directory is watched so editors that replace the file are still seen.
func NewWatcher(loader *Loader, live *Live, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := filepath.Dir(loader.GetConfigPath())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		loader:   loader,
		live:     live,
		logger:   logger,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Stop stops watching
func (w *Watcher) Stop() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	target := filepath.Clean(w.loader.GetConfigPath())

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Config change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.live.Set(cfg)
	w.logger.Info().
		Int("requestTimeoutMs", cfg.Exchange.RequestTimeoutMs).
		Msg("Config reloaded")

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
