// Package reconcile decides which local files must be published to the
// knowledge-base service and keeps the record store in step with what was
// published.
//
// A file is published when the store holds no record for its
// (path, knowledge id) pair, or when the stored modification time differs
// from the current one in any way. Otherwise it is skipped without any
// network traffic. The store is written only after both publish steps
// succeed, so a failed publish leaves the file eligible for the next pass.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/steveyegge/kbsync/internal/db"
	"github.com/steveyegge/kbsync/internal/publish"
)

// Action is the outcome of reconciling one file.
type Action int

const (
	// ActionSkipped means the stored record matched; nothing was sent.
	ActionSkipped Action = iota
	// ActionPublished means the file was uploaded, attached and recorded.
	ActionPublished
	// ActionWouldPublish is reported in dry-run mode instead of publishing.
	ActionWouldPublish
	// ActionFailed means reconciliation returned an error.
	ActionFailed
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case ActionSkipped:
		return "skipped"
	case ActionPublished:
		return "published"
	case ActionWouldPublish:
		return "would-publish"
	case ActionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RecordStore is the subset of the record store the reconciler needs.
// *db.DB satisfies it.
type RecordStore interface {
	GetFileContext(ctx context.Context, filePath, knowledgeID string) (db.FileRecord, bool, error)
	UpsertFileContext(ctx context.Context, rec db.FileRecord) error
}

// Config holds reconciler configuration.
type Config struct {
	Store     RecordStore
	Publisher publish.Publisher

	// Fs is the filesystem walked by SyncDirectory (default: OS filesystem).
	Fs afero.Fs

	// Concurrency bounds in-flight ReconcileFile calls during a walk.
	// Values below 2 reconcile strictly one file at a time.
	Concurrency int

	// PublishTimeout bounds a single publish plus its record write (default: none).
	PublishTimeout time.Duration

	// DryRun reports ActionWouldPublish instead of publishing.
	DryRun bool

	// Exclude holds glob patterns matched against entry base names.
	Exclude []string

	// IgnorePaths are absolute paths the walker never reconciles,
	// such as the record store's own database files.
	IgnorePaths []string

	Observer Observer
	Logger   *zap.Logger

	// Now returns the wall-clock time stamped on new records (default: time.Now).
	Now func() time.Time
}

// Reconciler compares filesystem state with the record store and publishes
// new or changed files. It is safe for concurrent use; reconciliation of
// the same (path, knowledge id) key is serialized.
type Reconciler struct {
	store          RecordStore
	publisher      publish.Publisher
	fs             afero.Fs
	concurrency    int
	publishTimeout time.Duration
	dryRun         bool
	exclude        []string
	ignore         map[string]bool
	observer       Observer
	logger         *zap.Logger
	now            func() time.Time

	locks *keyLocker
}

// New creates a new Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := validatePatterns(cfg.Exclude); err != nil {
		return nil, err
	}

	ignore := make(map[string]bool, len(cfg.IgnorePaths))
	for _, p := range cfg.IgnorePaths {
		ignore[cleanPath(p)] = true
	}

	return &Reconciler{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		fs:             cfg.Fs,
		concurrency:    cfg.Concurrency,
		publishTimeout: cfg.PublishTimeout,
		dryRun:         cfg.DryRun,
		exclude:        cfg.Exclude,
		ignore:         ignore,
		observer:       cfg.Observer,
		logger:         cfg.Logger,
		now:            cfg.Now,
		locks:          newKeyLocker(),
	}, nil
}

// FormatModTime renders a modification time the way it is stored in
// FileRecord.LastModified. The representation keeps full precision so that
// any change in the time yields a different string.
func FormatModTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ReconcileFile publishes filePath into knowledgeID unless the store already
// holds a record with an identical modification time.
//
// On a publish failure the *publish.PublishError is returned and the store
// is left untouched. Store failures are returned as *db.StoreError.
//
// Once a publish has started it runs to completion even if ctx is
// cancelled, so that a remote upload is never left without its record
// write being attempted.
func (r *Reconciler) ReconcileFile(ctx context.Context, filePath, knowledgeID string, modTime time.Time) (Action, error) {
	start := time.Now()
	action, fileID, err := r.reconcileFile(ctx, filePath, knowledgeID, FormatModTime(modTime))

	event := Event{
		RunID:       RunIDFromContext(ctx),
		Path:        filePath,
		KnowledgeID: knowledgeID,
		Action:      action,
		FileID:      fileID,
		Err:         err,
		Duration:    time.Since(start),
	}
	r.observer.OnFileReconciled(event)

	fields := []zap.Field{
		zap.String("path", filePath),
		zap.String("knowledge_id", knowledgeID),
		zap.String("action", action.String()),
	}
	if event.RunID != "" {
		fields = append(fields, zap.String("run_id", event.RunID))
	}
	switch {
	case err != nil:
		r.logger.Warn("failed to reconcile file", append(fields, zap.Error(err))...)
	case action == ActionPublished:
		r.logger.Info("published file", append(fields, zap.String("file_id", fileID))...)
	default:
		r.logger.Debug("reconciled file", fields...)
	}

	return action, err
}

func (r *Reconciler) reconcileFile(ctx context.Context, filePath, knowledgeID, lastModified string) (Action, string, error) {
	if filePath == "" || knowledgeID == "" {
		return ActionFailed, "", fmt.Errorf("file path and knowledge id are required")
	}
	if err := ctx.Err(); err != nil {
		return ActionFailed, "", err
	}

	unlock := r.locks.Lock(recordKey{filePath: filePath, knowledgeID: knowledgeID})
	defer unlock()

	rec, found, err := r.store.GetFileContext(ctx, filePath, knowledgeID)
	if err != nil {
		return ActionFailed, "", fmt.Errorf("failed to read record: %w", err)
	}
	if found && rec.LastModified == lastModified {
		return ActionSkipped, rec.FileID, nil
	}
	if r.dryRun {
		return ActionWouldPublish, "", nil
	}

	pubCtx := context.WithoutCancel(ctx)
	if r.publishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(pubCtx, r.publishTimeout)
		defer cancel()
	}

	fileID, err := r.publisher.Publish(pubCtx, filePath, knowledgeID)
	if err != nil {
		return ActionFailed, "", err
	}

	next := db.FileRecord{
		FilePath:     filePath,
		KnowledgeID:  knowledgeID,
		FileID:       fileID,
		LastModified: lastModified,
		SyncedAt:     r.now(),
	}
	if err := r.store.UpsertFileContext(pubCtx, next); err != nil {
		return ActionFailed, fileID, fmt.Errorf("published %s as %s but failed to record it: %w", filePath, fileID, err)
	}

	return ActionPublished, fileID, nil
}

// SyncPath reconciles whatever currently exists at path: a directory is
// walked with SyncDirectory, a regular file is reconciled on its own.
// A path that no longer exists, or is excluded, yields an empty report.
func (r *Reconciler) SyncPath(ctx context.Context, path, knowledgeID string) (*SyncReport, error) {
	path = cleanPath(path)

	info, err := r.fs.Stat(path)
	if isNotExist(err) {
		r.logger.Debug("path vanished before sync", zap.String("path", path))
		return newReport(ctx, path, knowledgeID), nil
	}
	if err != nil {
		return newReport(ctx, path, knowledgeID), &EnumerationError{Path: path, Err: err}
	}

	if info.IsDir() {
		return r.SyncDirectory(ctx, path, knowledgeID)
	}

	report := newReport(ctx, path, knowledgeID)
	ctx = WithRunID(ctx, report.RunID)
	if info.Mode().IsRegular() && !r.isExcluded(path) {
		action, err := r.ReconcileFile(ctx, path, knowledgeID, info.ModTime())
		report.record(path, action, err)
	}
	report.finish()
	r.observer.OnPassComplete(report)
	return report, nil
}
