package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EnumerationError reports a directory that could not be listed or an entry
// that could not be inspected. It aborts the walk of that subtree only.
type EnumerationError struct {
	Path string
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("failed to enumerate %s: %v", e.Path, e.Err)
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// Failure is one file or subtree that could not be reconciled during a pass.
type Failure struct {
	Path string
	Err  error
}

// SyncReport summarizes one reconciliation pass over a path.
type SyncReport struct {
	Root        string
	KnowledgeID string
	RunID       string

	Published    int
	Skipped      int
	WouldPublish int
	Failures     []Failure

	// Cancelled is set when the pass stopped early because its context ended.
	Cancelled bool

	StartedAt time.Time
	Duration  time.Duration

	mu sync.Mutex
}

func newReport(ctx context.Context, root, knowledgeID string) *SyncReport {
	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	return &SyncReport{
		Root:        root,
		KnowledgeID: knowledgeID,
		RunID:       runID,
		StartedAt:   time.Now(),
	}
}

func (r *SyncReport) record(path string, action Action, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.Failures = append(r.Failures, Failure{Path: path, Err: err})
		return
	}
	switch action {
	case ActionPublished:
		r.Published++
	case ActionSkipped:
		r.Skipped++
	case ActionWouldPublish:
		r.WouldPublish++
	}
}

func (r *SyncReport) fail(path string, err error) {
	r.mu.Lock()
	r.Failures = append(r.Failures, Failure{Path: path, Err: err})
	r.mu.Unlock()
}

func (r *SyncReport) finish() {
	r.Duration = time.Since(r.StartedAt)
}

// Total returns the number of files the pass reconciled or tried to.
func (r *SyncReport) Total() int {
	return r.Published + r.Skipped + r.WouldPublish + r.FileFailures()
}

// FileFailures counts failures that belong to single files rather than
// to subtrees that could not be enumerated.
func (r *SyncReport) FileFailures() int {
	n := 0
	for _, f := range r.Failures {
		var enumErr *EnumerationError
		if !errors.As(f.Err, &enumErr) {
			n++
		}
	}
	return n
}

// Err joins every failure of the pass, or returns nil when there were none.
func (r *SyncReport) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// SyncDirectory reconciles every regular file below dir into knowledgeID.
//
// A failed file is recorded in the report and the walk goes on. A
// subdirectory that cannot be listed is recorded as well, its siblings are
// still walked, and the enumeration errors are joined into the returned
// error. A subdirectory that disappears before it is listed counts as
// such a failure. If dir itself cannot be listed, the returned error is its
// *EnumerationError, the report carries it as the only failure, and nothing
// is reconciled.
//
// The walk stops starting new files once ctx is done. Files already being
// published finish first.
func (r *Reconciler) SyncDirectory(ctx context.Context, dir, knowledgeID string) (*SyncReport, error) {
	dir = cleanPath(dir)
	report := newReport(ctx, dir, knowledgeID)
	ctx = WithRunID(ctx, report.RunID)

	logger := r.logger.With(
		zap.String("path", dir),
		zap.String("knowledge_id", knowledgeID),
		zap.String("run_id", report.RunID))
	logger.Debug("starting directory sync")

	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		enumErr := &EnumerationError{Path: dir, Err: err}
		report.fail(dir, enumErr)
		report.finish()
		logger.Warn("failed to enumerate directory", zap.Error(err))
		r.observer.OnPassComplete(report)
		return report, enumErr
	}

	w := &walk{
		r:           r,
		knowledgeID: knowledgeID,
		report:      report,
		sem:         semaphore.NewWeighted(int64(r.concurrency)),
	}
	w.dir(ctx, dir, entries)
	w.wg.Wait()

	if ctx.Err() != nil {
		report.Cancelled = true
	}
	report.finish()

	logger.Info("directory sync complete",
		zap.Int("published", report.Published),
		zap.Int("skipped", report.Skipped),
		zap.Int("would_publish", report.WouldPublish),
		zap.Int("failed", len(report.Failures)),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("duration", report.Duration))
	r.observer.OnPassComplete(report)

	return report, errors.Join(w.enumErrs...)
}

type walk struct {
	r           *Reconciler
	knowledgeID string
	report      *SyncReport
	sem         *semaphore.Weighted
	wg          sync.WaitGroup

	mu       sync.Mutex
	enumErrs []error
}

// dir walks one listed directory depth-first. Subdirectories are descended
// in the calling goroutine; files are handed to the bounded worker set.
func (w *walk) dir(ctx context.Context, dir string, entries []os.FileInfo) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		path := filepath.Join(dir, entry.Name())
		if w.r.isExcluded(path) {
			continue
		}

		info := entry
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := w.r.fs.Stat(path)
			if err != nil {
				if isNotExist(err) {
					continue
				}
				w.enumFailed(path, err)
				continue
			}
			if target.IsDir() {
				w.r.logger.Debug("not following symlinked directory", zap.String("path", path))
				continue
			}
			info = target
		}

		switch {
		case info.IsDir():
			children, err := afero.ReadDir(w.r.fs, path)
			if err != nil {
				w.enumFailed(path, err)
				continue
			}
			w.dir(ctx, path, children)
		case info.Mode().IsRegular():
			w.file(ctx, path, info.ModTime())
		}
	}
}

func (w *walk) file(ctx context.Context, path string, modTime time.Time) {
	if w.r.concurrency <= 1 {
		action, err := w.r.ReconcileFile(ctx, path, w.knowledgeID, modTime)
		w.report.record(path, action, err)
		return
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		if ctx.Err() != nil {
			return
		}
		action, err := w.r.ReconcileFile(ctx, path, w.knowledgeID, modTime)
		w.report.record(path, action, err)
	}()
}

func (w *walk) enumFailed(path string, err error) {
	enumErr := &EnumerationError{Path: path, Err: err}
	w.r.logger.Warn("failed to enumerate subtree",
		zap.String("path", path),
		zap.String("knowledge_id", w.knowledgeID),
		zap.Error(err))
	w.report.fail(path, enumErr)

	w.mu.Lock()
	w.enumErrs = append(w.enumErrs, enumErr)
	w.mu.Unlock()
}

// isExcluded reports whether path is ignored or matches an exclude pattern.
func (r *Reconciler) isExcluded(path string) bool {
	if r.ignore[path] {
		return true
	}
	name := filepath.Base(path)
	for _, pattern := range r.exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}
	return nil
}

func cleanPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func isNotExist(err error) bool {
	return err != nil && (errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err))
}
