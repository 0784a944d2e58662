package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file or directory appeared.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was written.
	OpModify
	// OpDelete indicates a file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Directory pairs a watched root with the knowledge collection it
// publishes into.
type Directory struct {
	Path        string
	KnowledgeID string
}

// FileEvent is a change below one watched root.
type FileEvent struct {
	// Path is the absolute path that changed.
	Path string
	// Dir is the watched root Path belongs to.
	Dir Directory
	// Op is the operation that occurred.
	Op EventOp
	// IsDir is set when a directory was created.
	IsDir bool
}

// FileWatcher watches directory trees recursively. Directories created
// after Start are added to the watch as their create events arrive.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	closed  bool
	roots   []Directory
	exclude []string
	logger  *zap.Logger
}

// NewFileWatcher creates a new FileWatcher instance. Entries whose base
// name matches one of the exclude patterns are neither watched nor reported.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher(exclude []string, logger *zap.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 256),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		exclude: exclude,
		logger:  logger,
	}, nil
}

// Start begins watching every directory below each root.
// Returns an error if a root cannot be watched; nothing is watched then.
func (fw *FileWatcher) Start(roots []Directory) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closed {
		return fmt.Errorf("watcher is closed")
	}
	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	var added []string
	for _, root := range roots {
		paths, err := fw.addTree(root.Path)
		added = append(added, paths...)
		if err != nil {
			for _, p := range added {
				_ = fw.watcher.Remove(p)
			}
			return fmt.Errorf("failed to watch directory %s: %w", root.Path, err)
		}
	}

	fw.roots = append([]Directory(nil), roots...)
	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and releases the underlying watcher.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	wasRunning := fw.running
	fw.running = false
	fw.closed = true
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		fw.wg.Wait()
	}

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// WatchedPaths returns the directories currently under watch.
func (fw *FileWatcher) WatchedPaths() []string {
	return fw.watcher.WatchList()
}

// addTree watches root and every non-excluded directory below it.
// Symlinked directories are not followed. Subdirectories that cannot be
// read are logged and skipped; only a failure on root itself is returned.
func (fw *FileWatcher) addTree(root string) ([]string, error) {
	var added []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			fw.logger.Warn("failed to watch subtree", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && fw.isExcluded(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			fw.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
			return filepath.SkipDir
		}
		added = append(added, path)
		return nil
	})
	return added, err
}

// processEvents is the main event loop that converts fsnotify events to
// FileEvent notifications.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			for _, fileEvent := range fw.convertEvent(event) {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event into one FileEvent per watched
// root that contains the path. Chmod-only and excluded events are dropped.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) []FileEvent {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename's new name arrives as its own create.
		op = OpDelete
	default:
		return nil
	}

	path := filepath.Clean(event.Name)
	if fw.isExcluded(path) {
		return nil
	}

	isDir := false
	if op == OpCreate {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			isDir = true
			if _, err := fw.addTree(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				fw.logger.Warn("failed to watch new directory", zap.String("path", path), zap.Error(err))
			}
		}
	}

	fw.mu.Lock()
	roots := fw.roots
	fw.mu.Unlock()

	var out []FileEvent
	for _, root := range roots {
		if within(root.Path, path) {
			out = append(out, FileEvent{Path: path, Dir: root, Op: op, IsDir: isDir})
		}
	}
	return out
}

func (fw *FileWatcher) isExcluded(path string) bool {
	name := filepath.Base(path)
	for _, pattern := range fw.exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// within reports whether path is root or lies below it.
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
