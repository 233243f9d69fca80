package backup

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// backupSuffix marks files the watcher will pick up.
const backupSuffix = ".backup.json"

// WatcherConfig tunes the import watcher.
type WatcherConfig struct {
	// Dir is the directory watched for dropped backup files.
	Dir string
	// DebounceInterval is how long a file must sit unchanged before it
	// is restored, so partially written drops are not picked up.
	// Defaults to 2 seconds.
	DebounceInterval time.Duration
	// Restore options applied to every picked-up file.
	Restore RestoreOptions
}

// ImportWatcher watches a drop directory and restores any backup file
// placed there. Each file is restored once per write burst; restore
// failures are logged and the file is left in place for inspection.
type ImportWatcher struct {
	mgr     *Manager
	cfg     WatcherConfig
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	done    map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewImportWatcher returns a watcher; call Start to begin watching.
func NewImportWatcher(mgr *Manager, cfg WatcherConfig, log zerolog.Logger) *ImportWatcher {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 2 * time.Second
	}
	return &ImportWatcher{
		mgr:     mgr,
		cfg:     cfg,
		log:     log.With().Str("component", "import-watcher").Logger(),
		pending: make(map[string]time.Time),
		done:    make(map[string]bool),
	}
}

// Start begins watching. It returns once the watcher is registered;
// restores run on background goroutines until Stop.
func (w *ImportWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.cfg.Dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processQueue(ctx)

	w.log.Info().Str("dir", w.cfg.Dir).Msg("watching for backup drops")
	return nil
}

// Stop shuts the watcher down and waits for in-flight restores.
func (w *ImportWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *ImportWatcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, backupSuffix) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			delete(w.done, event.Name)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *ImportWatcher) processQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *ImportWatcher) processPending(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) < w.cfg.DebounceInterval {
			continue
		}
		delete(w.pending, path)
		if w.done[path] {
			continue
		}
		w.done[path] = true
		ready = append(ready, path)
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.restoreFile(ctx, path)
	}
}

func (w *ImportWatcher) restoreFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Error().Err(err).Str("file", path).Msg("failed to read dropped backup")
		return
	}
	result, err := w.mgr.Restore(ctx, data, w.cfg.Restore)
	if err != nil {
		w.log.Error().Err(err).Str("file", path).Msg("failed to restore dropped backup")
		w.mu.Lock()
		delete(w.done, path)
		w.mu.Unlock()
		return
	}
	w.log.Info().
		Str("file", path).
		Int("events", result.Events).
		Int("skipped_dups", result.SkippedDups).
		Bool("checksum_ok", result.ChecksumOK).
		Msg("restored dropped backup")
}
