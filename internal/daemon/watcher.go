package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// tmpSuffix marks spool files that are still being written.
const tmpSuffix = ".tmp"

// TagEvent is a sync tag dropped into the spool directory.
type TagEvent struct {
	// Tag is the file name.
	Tag string
	// Path is the absolute path of the spool file.
	Path string
}

// SpoolWatcher turns files created in a spool directory into TagEvents.
// It uses fsnotify for cross-platform file system event monitoring.
type SpoolWatcher struct {
	watcher *fsnotify.Watcher
	events  chan TagEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewSpoolWatcher creates a new SpoolWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewSpoolWatcher() (*SpoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &SpoolWatcher{
		watcher: watcher,
		events:  make(chan TagEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir. Files already present are not reported; use
// Pending for those.
func (sw *SpoolWatcher) Start(dir string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve spool directory %s: %w", dir, err)
	}
	if err := sw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", abs, err)
	}
	sw.dir = abs

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels.
// It blocks until the event processing goroutine has exited.
func (sw *SpoolWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)

	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)

	return nil
}

// Events returns the channel that emits TagEvents.
// This channel is closed when the watcher is stopped.
func (sw *SpoolWatcher) Events() <-chan TagEvent {
	return sw.events
}

// Errors returns the channel that emits watcher errors.
// This channel is closed when the watcher is stopped.
func (sw *SpoolWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning returns true if the watcher is currently running.
func (sw *SpoolWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *SpoolWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}

			if tagEvent, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- tagEvent:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent reports creates and writes of tag files directly inside the
// spool directory.
func (sw *SpoolWatcher) convertEvent(event fsnotify.Event) (TagEvent, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return TagEvent{}, false
	}

	absPath, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(absPath) != sw.dir {
		return TagEvent{}, false
	}

	tag, ok := tagFromName(filepath.Base(absPath))
	if !ok {
		return TagEvent{}, false
	}
	return TagEvent{Tag: tag, Path: absPath}, true
}

func tagFromName(name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix) {
		return "", false
	}
	return name, true
}

// Pending lists tag files already sitting in dir.
func Pending(dir string) ([]TagEvent, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var events []TagEvent
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if tag, ok := tagFromName(e.Name()); ok {
			events = append(events, TagEvent{Tag: tag, Path: filepath.Join(abs, e.Name())})
		}
	}
	return events, nil
}

// Request drops tag into the spool directory. The file is written under a
// temporary name and renamed so the watcher never sees a partial file.
func Request(dir, tag string) error {
	if _, ok := tagFromName(tag); !ok || strings.ContainsRune(tag, filepath.Separator) {
		return fmt.Errorf("invalid sync tag %q", tag)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+tag+"-*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, tag)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish spool file: %w", err)
	}
	return nil
}
