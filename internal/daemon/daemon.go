// Package daemon delivers sync triggers to the outbox reconciler.
//
// The daemon:
// 1. Watches a spool directory; a file named after a sync tag delivers that tag
// 2. Probes the review endpoint and delivers the sync tag when it comes back
// 3. Debounces bursts so one tag is delivered once per burst
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
)

// Trigger receives delivered sync tags.
type Trigger interface {
	Trigger(ctx context.Context, tag string) (*reconcile.Result, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// ProbeURL is issued a HEAD request every ProbeInterval. Empty disables
	// probing.
	ProbeURL string

	// ProbeInterval is how often to check connectivity
	ProbeInterval time.Duration

	// DebounceInterval is how long to wait before delivering a spooled tag.
	// This batches rapid triggers together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeURL:         reconcile.DefaultEndpoint,
		ProbeInterval:    30 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// pendingTag is a spooled tag waiting out the debounce interval.
type pendingTag struct {
	queuedAt time.Time
	paths    []string
}

// Daemon routes spool files and connectivity changes to a Trigger.
type Daemon struct {
	trigger  Trigger
	spoolDir string
	config   *Config

	watcher *SpoolWatcher
	prober  *Prober

	changeQueue   map[string]*pendingTag
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New creates a daemon with the default configuration.
func New(trigger Trigger, spoolDir string) (*Daemon, error) {
	return NewWithConfig(trigger, spoolDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(trigger Trigger, spoolDir string, config *Config) (*Daemon, error) {
	if trigger == nil {
		return nil, fmt.Errorf("trigger cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := NewSpoolWatcher()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		trigger:     trigger,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]*pendingTag),
	}
	if config.ProbeURL != "" && config.ProbeInterval > 0 {
		d.prober = NewProber(config.ProbeURL, nil)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation.
//
// Tags spooled while the daemon was down are delivered first. This blocks
// until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.spoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := d.watcher.Start(d.spoolDir); err != nil {
		return err
	}
	d.config.Logger.Printf("Watching: %s", d.spoolDir)

	pending, err := Pending(d.spoolDir)
	if err != nil {
		d.config.Logger.Printf("Warning: %v", err)
	}
	for _, ev := range pending {
		d.queueTag(ev)
	}

	d.wg.Add(2)
	go d.watchSpoolEvents()
	go d.processChangeQueue()
	if d.prober != nil {
		d.wg.Add(1)
		go d.probeConnectivity()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()

		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}

		d.wg.Wait()

		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Online reports the last probe result. It is false when probing is off.
func (d *Daemon) Online() bool {
	return d.prober != nil && d.prober.Online()
}

func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("Spool event: %s", ev.Tag)
			d.queueTag(ev)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueTag(ev TagEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	p, ok := d.changeQueue[ev.Tag]
	if !ok {
		p = &pendingTag{}
		d.changeQueue[ev.Tag] = p
	}
	p.queuedAt = time.Now()
	for _, existing := range p.paths {
		if existing == ev.Path {
			return
		}
	}
	p.paths = append(p.paths, ev.Path)
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingTags()
		}
	}
}

// processPendingTags delivers tags that have been quiet for long enough and
// removes their spool files.
func (d *Daemon) processPendingTags() {
	now := time.Now()
	ready := make(map[string][]string)

	d.changeQueueMu.Lock()
	for tag, p := range d.changeQueue {
		if now.Sub(p.queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready[tag] = p.paths
		delete(d.changeQueue, tag)
	}
	d.changeQueueMu.Unlock()

	for tag, paths := range ready {
		for _, path := range paths {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				d.config.Logger.Printf("Warning: failed to remove spool file %s: %v", path, err)
			}
		}
		d.deliver(tag)
	}
}

func (d *Daemon) deliver(tag string) {
	d.config.Logger.Printf("Delivering sync tag %q", tag)
	result, err := d.trigger.Trigger(d.ctx, tag)
	switch {
	case errors.Is(err, reconcile.ErrIgnoredTag):
		d.config.Logger.Printf("Tag %q ignored", tag)
	case err != nil:
		d.config.Logger.Printf("Error delivering tag %q: %v", tag, err)
	case result != nil:
		d.config.Logger.Printf("Sync done: %d accepted, %d still queued", result.Accepted, result.Remaining())
	}
}

// probeConnectivity delivers the sync tag on every offline to online
// transition of the review endpoint.
func (d *Daemon) probeConnectivity() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	d.probeOnce()
	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.probeOnce()
		}
	}
}

func (d *Daemon) probeOnce() {
	online, restored := d.prober.Probe(d.ctx)
	if restored {
		d.config.Logger.Printf("Endpoint %s reachable", d.config.ProbeURL)
		d.deliver(reconcile.SyncTag)
	} else if !online && d.ctx.Err() == nil {
		d.config.Logger.Printf("Endpoint %s unreachable", d.config.ProbeURL)
	}
}
