package daemon

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/restaurant-reviews/internal/reconcile"
)

// recordingTrigger records delivered tags.
type recordingTrigger struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingTrigger) Trigger(ctx context.Context, tag string) (*reconcile.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	if tag != reconcile.SyncTag {
		return nil, reconcile.ErrIgnoredTag
	}
	return &reconcile.Result{}, nil
}

func (r *recordingTrigger) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tags...)
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

// startDaemon runs d in the background and stops it on cleanup.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	tests := []struct {
		name     string
		trigger  Trigger
		spoolDir string
		wantErr  bool
	}{
		{"valid", &recordingTrigger{}, t.TempDir(), false},
		{"nil trigger", nil, t.TempDir(), true},
		{"empty spool dir", &recordingTrigger{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.trigger, tt.spoolDir, testConfig())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

func TestDaemon_SpoolFileDeliversTag(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "spool")
	trig := &recordingTrigger{}
	d, err := NewWithConfig(trig, spool, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)
	waitFor(t, "watcher", d.watcher.IsRunning)

	if err := Request(spool, reconcile.SyncTag); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(trig.delivered()) == 1 })

	if got := trig.delivered()[0]; got != reconcile.SyncTag {
		t.Errorf("delivered %q, want %q", got, reconcile.SyncTag)
	}
	waitFor(t, "spool file removal", func() bool {
		_, err := os.Stat(filepath.Join(spool, reconcile.SyncTag))
		return os.IsNotExist(err)
	})
}

func TestDaemon_OtherTagsAreDeliveredAndRemoved(t *testing.T) {
	spool := t.TempDir()
	trig := &recordingTrigger{}
	d, err := NewWithConfig(trig, spool, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)
	waitFor(t, "watcher", d.watcher.IsRunning)

	if err := Request(spool, "refreshPhotos"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(trig.delivered()) == 1 })
	waitFor(t, "spool file removal", func() bool {
		_, err := os.Stat(filepath.Join(spool, "refreshPhotos"))
		return os.IsNotExist(err)
	})
}

func TestDaemon_DeliversSpooledBeforeStart(t *testing.T) {
	spool := t.TempDir()
	if err := Request(spool, reconcile.SyncTag); err != nil {
		t.Fatal(err)
	}

	trig := &recordingTrigger{}
	d, err := NewWithConfig(trig, spool, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)

	waitFor(t, "delivery", func() bool { return len(trig.delivered()) >= 1 })
	if got := trig.delivered()[0]; got != reconcile.SyncTag {
		t.Errorf("delivered %q", got)
	}
}

func TestDaemon_ProbeTransitionDeliversSyncTag(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// The prober sees the server only while up is set; otherwise it dials a
	// closed listener.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.ProbeURL = deadURL
	cfg.ProbeInterval = 20 * time.Millisecond

	trig := &recordingTrigger{}
	d, err := NewWithConfig(trig, t.TempDir(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.prober = NewProber(deadURL, &http.Client{
		Timeout: time.Second,
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if up.Load() {
				r2 := r.Clone(r.Context())
				r2.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(r2)
			}
			return http.DefaultTransport.RoundTrip(r)
		}),
	})
	startDaemon(t, d)

	time.Sleep(100 * time.Millisecond)
	if n := len(trig.delivered()); n != 0 {
		t.Fatalf("delivered %d tags while offline", n)
	}

	up.Store(true)
	waitFor(t, "delivery after reconnect", func() bool { return len(trig.delivered()) == 1 })
	if !d.Online() {
		t.Error("Online() = false after reconnect")
	}

	// Staying online does not deliver again.
	time.Sleep(100 * time.Millisecond)
	if n := len(trig.delivered()); n != 1 {
		t.Errorf("delivered %d tags, want 1", n)
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	d, err := NewWithConfig(&recordingTrigger{}, t.TempDir(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
}
