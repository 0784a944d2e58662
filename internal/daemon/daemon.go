// Package daemon keeps watched directories continuously published.
//
// The daemon:
//  1. Watches the trees for changes and queues affected paths
//  2. Runs a full reconciliation pass over every watched directory
//  3. Reconciles queued paths once they have been quiet for the debounce interval
//  4. Optionally repeats the full pass on a fixed interval
//  5. Stops when its context is cancelled
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/kbsync/internal/reconcile"
)

// Syncer runs reconciliation passes. *reconcile.Reconciler satisfies it.
type Syncer interface {
	SyncDirectory(ctx context.Context, dir, knowledgeID string) (*reconcile.SyncReport, error)
	SyncPath(ctx context.Context, path, knowledgeID string) (*reconcile.SyncReport, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Directories are the watched roots.
	Directories []Directory

	// DebounceInterval is how long a path must be quiet before it is reconciled.
	// Rapid writes to the same file are batched into one pass.
	DebounceInterval time.Duration

	// RescanInterval repeats the full pass periodically; zero disables it.
	RescanInterval time.Duration

	// Exclude holds base-name glob patterns that are never watched.
	Exclude []string

	// Logger for daemon activity.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           zap.NewNop(),
	}
}

type queueKey struct {
	path        string
	knowledgeID string
}

// Daemon orchestrates file watching and reconciliation.
type Daemon struct {
	syncer Syncer
	config *Config
	logger *zap.Logger

	watcher       *FileWatcher
	changeQueue   map[queueKey]time.Time // path -> last event
	changeQueueMu sync.Mutex
}

// New creates a daemon that reconciles through syncer.
func New(syncer Syncer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Directories) == 0 {
		return nil, fmt.Errorf("at least one directory is required")
	}
	cfg := *config
	cfg.Directories = append([]Directory(nil), config.Directories...)
	config = &cfg
	for i, dir := range config.Directories {
		if dir.Path == "" || dir.KnowledgeID == "" {
			return nil, fmt.Errorf("directory %d: path and knowledge id are required", i)
		}
		abs, err := filepath.Abs(dir.Path)
		if err != nil {
			return nil, fmt.Errorf("directory %d: %w", i, err)
		}
		config.Directories[i].Path = abs
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	watcher, err := NewFileWatcher(config.Exclude, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		syncer:      syncer,
		config:      config,
		logger:      config.Logger,
		watcher:     watcher,
		changeQueue: make(map[queueKey]time.Time),
	}, nil
}

// Run watches the directories, performs the initial pass, then reconciles
// changes until ctx is cancelled. It returns an error only when a watched
// root cannot be watched or listed at startup.
//
// Watching starts before the initial pass so that no change made during
// the pass is missed.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon", zap.Int("directories", len(d.config.Directories)))
	defer func() {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("failed to close watcher", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.watcher.Start(d.config.Directories); err != nil {
		return err
	}
	for _, dir := range d.config.Directories {
		d.logger.Info("watching directory",
			zap.String("path", dir.Path),
			zap.String("knowledge_id", dir.KnowledgeID))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchFileEvents(gctx) })

	if err := d.PerformFullSync(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("initial sync failed: %w", err)
	}

	g.Go(func() error { return d.processChangeQueue(gctx) })
	if d.config.RescanInterval > 0 {
		g.Go(func() error { return d.rescan(gctx) })
	}

	err := g.Wait()
	if pending := d.Pending(); pending > 0 {
		d.logger.Info("dropping queued changes; the next full pass covers them", zap.Int("pending", pending))
	}
	d.logger.Info("daemon stopped")
	return err
}

// PerformFullSync walks every watched directory once.
//
// Failures inside a tree are logged and left for the next pass. The
// returned error reports roots that could not be listed at all.
func (d *Daemon) PerformFullSync(ctx context.Context) error {
	var rootErrs []error
	for _, dir := range d.config.Directories {
		if ctx.Err() != nil {
			return nil
		}

		report, err := d.syncer.SyncDirectory(ctx, dir.Path, dir.KnowledgeID)
		if isRootFailure(dir.Path, err) {
			rootErrs = append(rootErrs, err)
			continue
		}
		if err != nil {
			d.logger.Warn("directory sync incomplete",
				zap.String("path", dir.Path),
				zap.String("knowledge_id", dir.KnowledgeID),
				zap.Error(err))
		}
		d.logReport(report)
	}
	return errors.Join(rootErrs...)
}

func isRootFailure(root string, err error) bool {
	var enumErr *reconcile.EnumerationError
	return errors.As(err, &enumErr) && enumErr.Path == root
}

// Pending returns the number of queued paths.
func (d *Daemon) Pending() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	return len(d.changeQueue)
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-d.watcher.Events():
			if !ok {
				return nil
			}
			d.handleEvent(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleEvent queues created and modified paths. Removals are logged only:
// the remote side has no delete, and a rename's new name gets its own create.
func (d *Daemon) handleEvent(event FileEvent) {
	d.logger.Debug("file event",
		zap.String("op", event.Op.String()),
		zap.String("path", event.Path),
		zap.String("knowledge_id", event.Dir.KnowledgeID))

	if event.Op == OpDelete {
		return
	}
	d.queueChange(event.Path, event.Dir.KnowledgeID)
}

// queueChange adds a path to the change queue with debouncing.
func (d *Daemon) queueChange(path, knowledgeID string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[queueKey{path: path, knowledgeID: knowledgeID}] = time.Now()
}

// processChangeQueue processes queued changes with debouncing.
func (d *Daemon) processChangeQueue(ctx context.Context) error {
	ticker := time.NewTicker(max(d.config.DebounceInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges reconciles paths that have been queued for long
// enough. The queue lock is not held while reconciling.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	ready := d.takeReady(time.Now())
	for _, key := range ready {
		if ctx.Err() != nil {
			return
		}

		report, err := d.syncer.SyncPath(ctx, key.path, key.knowledgeID)
		if err != nil {
			d.logger.Warn("failed to sync changed path",
				zap.String("path", key.path),
				zap.String("knowledge_id", key.knowledgeID),
				zap.Error(err))
		}
		d.logReport(report)
	}
}

// takeReady removes and returns the queued keys that have been quiet for
// the debounce interval. Keys below another ready directory of the same
// collection are dropped, since that directory's pass covers them.
func (d *Daemon) takeReady(now time.Time) []queueKey {
	d.changeQueueMu.Lock()
	var ready []queueKey
	for key, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, key)
		delete(d.changeQueue, key)
	}
	d.changeQueueMu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].knowledgeID != ready[j].knowledgeID {
			return ready[i].knowledgeID < ready[j].knowledgeID
		}
		return ready[i].path < ready[j].path
	})

	out := ready[:0]
	for _, key := range ready {
		covered := false
		for _, kept := range out {
			if kept.knowledgeID == key.knowledgeID && kept.path != key.path && within(kept.path, key.path) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, key)
		}
	}
	return out
}

// rescan periodically repeats the full pass.
func (d *Daemon) rescan(ctx context.Context) error {
	ticker := time.NewTicker(d.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := d.PerformFullSync(ctx); err != nil {
				d.logger.Warn("periodic rescan failed", zap.Error(err))
			}
		}
	}
}

func (d *Daemon) logReport(report *reconcile.SyncReport) {
	if report == nil || report.Total() == 0 {
		return
	}
	d.logger.Info("pass complete",
		zap.String("path", report.Root),
		zap.String("knowledge_id", report.KnowledgeID),
		zap.String("run_id", report.RunID),
		zap.Int("published", report.Published),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failures)))
}
