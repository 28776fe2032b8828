// Package assetcache serves fetched assets from a versioned durable cache.
//
// A Worker moves through installing, installed and active. Install fetches
// the manifest into the cache for the current version tag in one atomic
// write; Activate deletes every other tag. While active, GET requests whose
// identity is in the cache are answered from it and everything else goes to
// the network without being cached.
package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultVersion is the cache version tag used when none is configured.
const DefaultVersion = "myCache"

// State is the worker lifecycle state.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Hooks observe lifecycle transitions. Nil hooks are skipped.
type Hooks struct {
	Installed func(tag string, entries int)
	Activated func(tag string, removed []string)
}

// Config holds configuration for a Worker.
type Config struct {
	// Origin is the base URL manifest paths resolve against.
	Origin string

	// Version is the cache version tag. Changing it is how a deployment
	// invalidates the previous cache.
	Version string

	// Manifest lists the install-time resources.
	Manifest *Manifest

	// Transport performs live fetches.
	Transport http.RoundTripper

	// FetchConcurrency bounds parallel fetches during install.
	FetchConcurrency int

	// FetchTimeout bounds each install fetch. Zero means no limit.
	FetchTimeout time.Duration

	Hooks Hooks

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Origin:           "http://localhost:8000/",
		Version:          DefaultVersion,
		Manifest:         DefaultManifest(),
		Transport:        http.DefaultTransport,
		FetchConcurrency: 8,
		FetchTimeout:     30 * time.Second,
		Logger:           log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Worker intercepts requests and serves them from the cache.
type Worker struct {
	storage *Storage
	config  *Config
	origin  *url.URL

	mu    sync.RWMutex
	state State
}

// New creates a Worker over storage.
func New(storage *Storage, config *Config) (*Worker, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Version == "" {
		return nil, ErrInvalidTag
	}
	if config.Manifest == nil {
		config.Manifest = DefaultManifest()
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}

	origin, err := url.Parse(config.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", config.Origin)
	}

	return &Worker{storage: storage, config: config, origin: origin, state: StateNew}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Version returns the cache version tag.
func (w *Worker) Version() string {
	return w.config.Version
}

// Origin returns the origin requests are resolved against.
func (w *Worker) Origin() *url.URL {
	return w.origin
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install fetches every manifest entry and stores them under the current
// tag. Any failed fetch leaves the cache untouched, retires the worker and
// returns an *InstallError.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateRedundant:
		w.mu.Unlock()
		return ErrRedundant
	case StateInstalling, StateActivating:
		w.mu.Unlock()
		return fmt.Errorf("install already in progress (state %s)", w.state)
	}
	w.state = StateInstalling
	w.mu.Unlock()

	tag := w.config.Version
	urls, err := w.config.Manifest.URLs(w.origin)
	if err != nil {
		w.setState(StateRedundant)
		return &InstallError{Tag: tag, Err: err}
	}

	w.config.Logger.Printf("Installing %s: %d resources", tag, len(urls))

	var mu sync.Mutex
	entries := make(map[string]*StoredResponse, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.FetchConcurrency)
	for _, u := range urls {
		g.Go(func() error {
			resp, err := w.fetchForInstall(gctx, u)
			if err != nil {
				return err
			}
			mu.Lock()
			entries["GET "+u.String()] = resp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.setState(StateRedundant)
		w.config.Logger.Printf("Install of %s failed: %v", tag, err)
		var ie *InstallError
		if errors.As(err, &ie) {
			ie.Tag = tag
			return ie
		}
		return &InstallError{Tag: tag, Err: err}
	}

	if err := w.storage.Open(tag).PutAll(entries); err != nil {
		w.setState(StateRedundant)
		return &InstallError{Tag: tag, Err: err}
	}

	w.setState(StateInstalled)
	w.config.Logger.Printf("Installed %s (%d entries)", tag, len(entries))
	if w.config.Hooks.Installed != nil {
		w.config.Hooks.Installed(tag, len(entries))
	}
	return nil
}

func (w *Worker) fetchForInstall(ctx context.Context, u *url.URL) (*StoredResponse, error) {
	if w.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &InstallError{URL: u.String(), Err: err}
	}
	resp, err := w.config.Transport.RoundTrip(req)
	if err != nil {
		return nil, &InstallError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &InstallError{URL: u.String(), StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InstallError{URL: u.String(), Err: fmt.Errorf("failed to read body: %w", err)}
	}

	header := resp.Header.Clone()
	header.Del("Content-Length")
	return &StoredResponse{
		URL:      u.String(),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Activate deletes every cache version except the current one and starts
// serving from the cache. It returns the deleted tags.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	switch w.state {
	case StateRedundant:
		w.mu.Unlock()
		return nil, ErrRedundant
	case StateInstalled, StateActive:
	default:
		w.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotInstalled, w.state)
	}
	w.state = StateActivating
	w.mu.Unlock()

	removed, err := w.sweep(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return nil, err
	}

	w.setState(StateActive)
	w.config.Logger.Printf("Activated %s, removed %d stale caches", w.config.Version, len(removed))
	if w.config.Hooks.Activated != nil {
		w.config.Hooks.Activated(w.config.Version, removed)
	}
	return removed, nil
}

func (w *Worker) sweep(ctx context.Context) ([]string, error) {
	tags, err := w.storage.Keys()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, tag := range tags {
		if tag == w.config.Version {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if _, err := w.storage.Delete(tag); err != nil {
			return removed, err
		}
		w.config.Logger.Printf("Deleted stale cache %s", tag)
		removed = append(removed, tag)
	}
	return removed, nil
}

// Start brings the worker to active. An already installed cache for the
// current tag is reused; otherwise the manifest is installed first.
func (w *Worker) Start(ctx context.Context) error {
	installed, err := w.storage.Has(w.config.Version)
	if err != nil {
		return fmt.Errorf("failed to check cache: %w", err)
	}
	if installed && w.State() == StateNew {
		w.setState(StateInstalled)
		w.config.Logger.Printf("Reusing installed cache %s", w.config.Version)
	} else if err := w.Install(ctx); err != nil {
		return err
	}
	_, err = w.Activate(ctx)
	return err
}

// RoundTrip implements http.RoundTripper. While active, cached GET requests
// are answered without touching the network.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if w.State() == StateActive && req.Method == http.MethodGet {
		cached, err := w.storage.Open(w.config.Version).Match(RequestKey(req))
		if err != nil {
			w.config.Logger.Printf("Cache lookup failed for %s: %v", req.URL, err)
		} else if cached != nil {
			resp := cached.Response(req)
			resp.Header.Set("X-Cache", "HIT")
			return resp, nil
		}
	}
	return w.config.Transport.RoundTrip(req)
}

// Fetch resolves req through the cache. Relative URLs resolve against the
// origin.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		r2 := req.Clone(req.Context())
		r2.URL = w.origin.ResolveReference(req.URL)
		r2.Host = r2.URL.Host
		req = r2
	}
	return w.RoundTrip(req)
}

// Client returns an *http.Client whose requests go through the worker.
func (w *Worker) Client() *http.Client {
	return &http.Client{Transport: w}
}

// Handler returns a reverse proxy to the origin that answers from the
// cache where it can.
func (w *Worker) Handler() http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(w.origin)
	proxy.Transport = w
	proxy.ErrorLog = w.config.Logger
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = w.origin.Host
	}
	return proxy
}
