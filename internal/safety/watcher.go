package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// StopFileWatcher halts the monitor when a stop file appears in a watched
// directory, so an operator can stop the robot with `touch`. Removing the
// file does not reset; reset always needs an acknowledgment.
//
// The fsnotify watcher only exists between Start and Stop, so a watcher can
// be started again after it was stopped.
type StopFileWatcher struct {
	monitor *Monitor
	logger  *zap.Logger
	dir     string
	name    string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewStopFileWatcher watches dir for a file called name once started.
func NewStopFileWatcher(logger *zap.Logger, monitor *Monitor, dir, name string) (*StopFileWatcher, error) {
	if name == "" {
		return nil, fmt.Errorf("stop file name is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StopFileWatcher{
		monitor: monitor,
		logger:  logger,
		dir:     dir,
		name:    name,
	}, nil
}

// Path is the stop file's full path.
func (sw *StopFileWatcher) Path() string {
	return filepath.Join(sw.dir, sw.name)
}

// Start begins watching. A stop file that already exists halts immediately.
// Starting a running watcher is a no-op.
func (sw *StopFileWatcher) Start(ctx context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.watcher != nil {
		return nil
	}

	if err := os.MkdirAll(sw.dir, 0o755); err != nil {
		return fmt.Errorf("stop file dir %s: %w", sw.dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("stop file watcher: %w", err)
	}
	if err := w.Add(sw.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", sw.dir, err)
	}
	if _, err := os.Stat(sw.Path()); err == nil {
		sw.monitor.Stop("stop file present at startup: "+sw.Path(), ByStopFile)
	}
	sw.logger.Info("watching for stop file", zap.String("path", sw.Path()))

	sw.watcher = w
	sw.stopCh = make(chan struct{})
	sw.doneCh = make(chan struct{})
	go sw.run(ctx, w, sw.stopCh, sw.doneCh)
	return nil
}

// Stop ends the watch and waits for the event loop to exit. It is safe to
// call on a watcher that never started or already stopped.
func (sw *StopFileWatcher) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.watcher == nil {
		return
	}
	close(sw.stopCh)
	<-sw.doneCh
	if err := sw.watcher.Close(); err != nil {
		sw.logger.Error("close stop file watcher", zap.Error(err))
	}
	sw.watcher = nil
}

// Close stops the watcher. It satisfies io.Closer.
func (sw *StopFileWatcher) Close() error {
	sw.Stop()
	return nil
}

func (sw *StopFileWatcher) run(ctx context.Context, w *fsnotify.Watcher, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != sw.name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.monitor.Stop("stop file "+ev.Name, ByStopFile)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			sw.logger.Error("stop file watcher", zap.Error(err))
		}
	}
}
