package assetcache

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type origin struct {
	srv  *httptest.Server
	hits atomic.Int64
	fail string
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if o.fail != "" && r.URL.RequestURI() == o.fail {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "body of "+r.URL.RequestURI())
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenStorage(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenStorage() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newWorker(t *testing.T, s *Storage, o *origin, version string) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Origin = o.srv.URL + "/"
	cfg.Version = version
	cfg.Logger = log.New(io.Discard, "", 0)
	w, err := New(s, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return w
}

func get(t *testing.T, w *Worker, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := w.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch(%s) failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestWorker_ActivationSweepsOldVersions(t *testing.T) {
	o := newOrigin(t)
	s := setupStorage(t)
	ctx := context.Background()

	stale := map[string]*StoredResponse{
		"GET " + o.srv.URL + "/": {URL: o.srv.URL + "/", Status: 200, Body: []byte("old root")},
	}
	if err := s.Open("v1").PutAll(stale); err != nil {
		t.Fatalf("PutAll() failed: %v", err)
	}

	w := newWorker(t, s, o, "v2")
	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if w.State() != StateInstalled {
		t.Errorf("State() = %s, want installed", w.State())
	}

	// Both versions exist until activation.
	tags, _ := s.Keys()
	if diff := cmp.Diff([]string{"v1", "v2"}, tags); diff != "" {
		t.Errorf("Keys() before activation (-want +got):\n%s", diff)
	}

	removed, err := w.Activate(ctx)
	if err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"v1"}, removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
	tags, _ = s.Keys()
	if diff := cmp.Diff([]string{"v2"}, tags); diff != "" {
		t.Errorf("Keys() after activation (-want +got):\n%s", diff)
	}

	keys, _ := s.Open("v2").Keys()
	if len(keys) != len(DefaultManifest().Paths()) {
		t.Errorf("v2 holds %d entries, want %d", len(keys), len(DefaultManifest().Paths()))
	}

	_, body := get(t, w, o.srv.URL+"/")
	if body != "body of /" {
		t.Errorf("root body = %q, want the v2 copy", body)
	}
}

func TestWorker_HitAvoidsNetwork(t *testing.T) {
	o := newOrigin(t)
	s := setupStorage(t)
	w := newWorker(t, s, o, "v1")
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	before := o.hits.Load()
	resp, body := get(t, w, o.srv.URL+"/restaurant.html?id=3")
	if o.hits.Load() != before {
		t.Error("cache hit reached the network")
	}
	if body != "body of /restaurant.html?id=3" || resp.Header.Get("X-Cache") != "HIT" {
		t.Errorf("hit = (%q, %q)", body, resp.Header.Get("X-Cache"))
	}

	// A miss falls through and is not cached.
	get(t, w, o.srv.URL+"/reviews/?restaurant_id=3")
	get(t, w, o.srv.URL+"/reviews/?restaurant_id=3")
	if got := o.hits.Load() - before; got != 2 {
		t.Errorf("misses reached the network %d times, want 2", got)
	}

	o.srv.Close()
	_, body = get(t, w, "/css/styles.css")
	if body != "body of /css/styles.css" {
		t.Errorf("offline hit body = %q", body)
	}
}

func TestWorker_InstallFailure(t *testing.T) {
	o := newOrigin(t)
	o.fail = "/img/3_800.jpg"
	s := setupStorage(t)
	w := newWorker(t, s, o, "v1")

	err := w.Install(context.Background())
	var ie *InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("Install() error = %v, want InstallError", err)
	}
	if ie.StatusCode != http.StatusNotFound || ie.Tag != "v1" {
		t.Errorf("InstallError = %+v", ie)
	}
	if w.State() != StateRedundant {
		t.Errorf("State() = %s, want redundant", w.State())
	}
	if ok, _ := s.Has("v1"); ok {
		t.Error("failed install left a partial cache")
	}
	if _, err := w.Activate(context.Background()); !errors.Is(err, ErrRedundant) {
		t.Errorf("Activate() error = %v, want ErrRedundant", err)
	}
}

func TestWorker_ActivateBeforeInstall(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, setupStorage(t), o, "v1")
	if _, err := w.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("Activate() error = %v, want ErrNotInstalled", err)
	}

	// Not active yet: requests go straight to the network.
	before := o.hits.Load()
	get(t, w, o.srv.URL+"/")
	if o.hits.Load() != before+1 {
		t.Error("inactive worker did not fetch live")
	}
}

func TestWorker_StartReusesInstalledCache(t *testing.T) {
	o := newOrigin(t)
	s := setupStorage(t)
	if err := newWorker(t, s, o, "v1").Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	before := o.hits.Load()
	w := newWorker(t, s, o, "v1")
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	if o.hits.Load() != before {
		t.Error("second Start() refetched the manifest")
	}
	if w.State() != StateActive {
		t.Errorf("State() = %s, want active", w.State())
	}
}

func TestWorker_Handler(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, setupStorage(t), o, "v1")
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	proxy := httptest.NewServer(w.Handler())
	defer proxy.Close()

	before := o.hits.Load()
	resp, err := http.Get(proxy.URL + "/js/main.min.js")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body of /js/main.min.js" {
		t.Errorf("body = %q", body)
	}
	if o.hits.Load() != before {
		t.Error("proxied hit reached the origin")
	}
}

func TestRequestKey(t *testing.T) {
	client := func(target string) *http.Request {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("NewRequest(%q) failed: %v", target, err)
		}
		return req
	}
	server := func(target string) *http.Request {
		return httptest.NewRequest(http.MethodGet, target, nil)
	}

	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"client fragment", client("http://example.com/restaurant.html?id=1#reviews"), "GET http://example.com/restaurant.html?id=1"},
		{"request line fragment", server("http://example.com/restaurant.html?id=1#reviews"), "GET http://example.com/restaurant.html?id=1"},
		{"request line fragment without query", server("http://example.com/css/styles.css#top"), "GET http://example.com/css/styles.css"},
		{"query kept", server("http://example.com/restaurant.html?id=2"), "GET http://example.com/restaurant.html?id=2"},
		{"method kept", httptest.NewRequest(http.MethodHead, "http://example.com/", nil), "HEAD http://example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequestKey(tt.req); got != tt.want {
				t.Errorf("RequestKey() = %q, want %q", got, tt.want)
			}
		})
	}

	if RequestKey(client("http://example.com/restaurant.html?id=1#a")) != RequestKey(server("http://example.com/restaurant.html?id=1#b")) {
		t.Error("the same resource produced different keys")
	}
}
