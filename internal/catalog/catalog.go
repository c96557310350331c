// Package catalog keeps the local script catalog in sync with the store.
//
// Scripts live on disk as JSON documents (scripts/*.json). The Loader:
// 1. Performs a full sync of every script file on startup
// 2. Watches the directory for changes with fsnotify
// 3. Applies debounced upserts so editor save bursts coalesce
// 4. Handles graceful shutdown
package catalog

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bini59/scriptsync/internal/schema"
	"github.com/bini59/scriptsync/internal/store"
)

// Config holds configuration for the loader.
type Config struct {
	// DebounceInterval is how long to wait before processing file changes.
	// This batches rapid updates together.
	DebounceInterval time.Duration

	// Logger for loader activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[catalog] ", log.LstdFlags),
	}
}

// Loader watches a scripts directory and mirrors it into the store.
type Loader struct {
	store      *store.Store
	scriptsDir string
	config     *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a loader for the given scripts directory.
// Use Start() to begin the initial sync and watching.
func New(st *store.Store, scriptsDir string) (*Loader, error) {
	return NewWithConfig(st, scriptsDir, DefaultConfig())
}

// NewWithConfig creates a loader with custom configuration.
func NewWithConfig(st *store.Store, scriptsDir string, config *Config) (*Loader, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if scriptsDir == "" {
		return nil, fmt.Errorf("scriptsDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Loader{
		store:       st,
		scriptsDir:  scriptsDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start performs a full sync and then watches for file changes.
// This blocks until ctx is cancelled or an error occurs.
func (l *Loader) Start(ctx context.Context) error {
	l.config.Logger.Println("Starting catalog loader")

	if err := l.PerformFullSync(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := l.watcher.Add(l.scriptsDir); err != nil {
		return fmt.Errorf("failed to watch scripts directory: %w", err)
	}

	l.config.Logger.Printf("Watching: %s", l.scriptsDir)

	l.wg.Add(2)
	go l.watchFileEvents()
	go l.processChangeQueue()

	select {
	case <-ctx.Done():
		l.config.Logger.Println("Shutdown signal received")
		return l.Stop()
	case <-l.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the loader.
func (l *Loader) Stop() error {
	l.config.Logger.Println("Stopping catalog loader")

	l.cancel()

	if err := l.watcher.Close(); err != nil {
		l.config.Logger.Printf("Error closing watcher: %v", err)
	}

	l.wg.Wait()

	l.config.Logger.Println("Catalog loader stopped")
	return nil
}

// PerformFullSync upserts every script file in the directory.
// Called on startup; safe to trigger manually.
func (l *Loader) PerformFullSync(ctx context.Context) error {
	l.config.Logger.Println("Performing full sync")

	entries, err := os.ReadDir(l.scriptsDir)
	if err != nil {
		return fmt.Errorf("failed to read scripts directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(l.scriptsDir, entry.Name())
		if err := l.syncScriptFile(ctx, path); err != nil {
			l.config.Logger.Printf("Warning: failed to sync %s: %v", path, err)
			continue
		}
		count++
	}

	l.config.Logger.Printf("Full sync complete: %d scripts", count)
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (l *Loader) watchFileEvents() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create, Write, Rename
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			l.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			l.queueChange(event.Name)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (l *Loader) queueChange(path string) {
	l.changeQueueMu.Lock()
	defer l.changeQueueMu.Unlock()

	l.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (l *Loader) processChangeQueue() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return

		case <-ticker.C:
			l.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been queued for long enough.
func (l *Loader) processPendingChanges() {
	l.changeQueueMu.Lock()
	defer l.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range l.changeQueue {
		if now.Sub(queuedAt) < l.config.DebounceInterval {
			continue
		}

		l.config.Logger.Printf("Processing change: %s", path)
		if err := l.syncScriptFile(l.ctx, path); err != nil {
			l.config.Logger.Printf("Error syncing %s: %v", path, err)
		}

		delete(l.changeQueue, path)
	}
}

// syncScriptFile reads one script file and upserts it into the store.
// A file that disappeared between queueing and processing is skipped:
// the catalog never deletes scripts, since mappings and sessions may
// still reference them.
func (l *Loader) syncScriptFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		l.config.Logger.Printf("Skipping removed file: %s", path)
		return nil
	}

	script, err := schema.ReadScriptFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script file: %w", err)
	}

	if err := l.store.UpsertScript(ctx, script); err != nil {
		return fmt.Errorf("failed to upsert script %s: %w", script.ID, err)
	}

	l.config.Logger.Printf("Synced script: %s (%d sentences)", script.ID, len(script.Sentences))
	return nil
}
