package compliance

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
)

// ReloadFunc is called after every reload attempt. err is non-nil when the
// file was rejected and the previous rules stay in place.
type ReloadFunc func(rules []models.ComplianceRule, err error)

// WatcherConfig contains configuration for the rule file watcher
type WatcherConfig struct {
	// Path is the rule file to watch
	Path string

	// Debounce is the quiet period after the last change before reloading
	Debounce time.Duration
}

// Watcher reloads the rule set of a Service when its rule file changes.
// The parent directory is watched so editors that replace the file on save
// are followed.
type Watcher struct {
	service  *Service
	config   WatcherConfig
	logger   *zap.Logger
	onReload ReloadFunc

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for cfg.Path
func NewWatcher(service *Service, cfg WatcherConfig, logger *zap.Logger) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rule file path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	cfg.Path = filepath.Clean(cfg.Path)

	return &Watcher{
		service: service,
		config:  cfg,
		logger:  observability.OrNop(logger).With(zap.String("rules_file", cfg.Path)),
	}, nil
}

// OnReload registers a callback for reload attempts; call before Start
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching in the background until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("rule watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.config.Path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch rule directory: %w", err)
	}

	w.watcher = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run(ctx, fsw, w.stopCh, w.doneCh)

	w.logger.Info("rule watcher started",
		zap.Int64("debounce_ms", w.config.Debounce.Milliseconds()))
	return nil
}

// Stop stops the watcher and waits for its loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	doneCh, fsw := w.doneCh, w.watcher
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	<-doneCh
	if err := fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.logger.Info("rule watcher stopped")
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.config.Path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("rule file event", zap.String("op", event.Op.String()))
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("rule watcher error", zap.Error(err))
		}
	}
}

// schedule debounces reloads: only the last event of a burst triggers one
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.config.Debounce, func() {
		_ = w.Reload()
	})
}

// Reload loads the rule file and installs it. A rejected file leaves the
// current rules untouched.
func (w *Watcher) Reload() error {
	rules, err := LoadRulesFile(w.config.Path)
	if err == nil {
		err = w.service.ReplaceRules(rules)
	}

	w.mu.Lock()
	onReload := w.onReload
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("rule reload failed, keeping current rules", zap.Error(err))
	} else {
		w.logger.Info("rules reloaded", zap.Int("rule_count", len(rules)))
	}
	if onReload != nil {
		onReload(rules, err)
	}
	return err
}
