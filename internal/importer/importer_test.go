package importer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/restaurant-reviews/internal/localdb"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func setupStore(t *testing.T) *localdb.Store {
	t.Helper()
	s := localdb.New(filepath.Join(t.TempDir(), "restaurants.db"))
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImport_FilesAndURL(t *testing.T) {
	restaurants := writeFile(t, "restaurants.json", `[
  {"id": 1, "name": "Mission Chinese Food", "neighborhood": "Manhattan"},
  {"id": 2, "name": "Emily", "neighborhood": "Brooklyn"}
]`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1, "restaurant_id": 1, "name": "Steve", "rating": 4, "comments": "good"}
{"id": 2, "restaurant_id": 2, "name": "Morgan", "rating": 5, "comments": "great"}
{"id": 3, "restaurant_id": 2, "name": "Jack", "rating": 3, "comments": "ok"}
`))
	}))
	defer srv.Close()

	s := setupStore(t)
	stats, err := New(s, nil).Import(testCtx(t), restaurants, srv.URL+"/reviews")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if stats.Restaurants != 2 || stats.Reviews != 3 {
		t.Errorf("stats = %+v", stats)
	}

	got, err := s.ReviewsForRestaurant(testCtx(t), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("reviews for restaurant 2 = %d, want 2", len(got))
	}
}

func TestImport_InvalidRecordRejectsSource(t *testing.T) {
	restaurants := writeFile(t, "restaurants.jsonl", `{"id": 1, "name": "Emily"}
{"id": 0, "name": "No ID"}
`)

	s := setupStore(t)
	if _, err := New(s, nil).Import(testCtx(t), restaurants, ""); err == nil {
		t.Fatal("expected error for invalid restaurant")
	}
	got, err := s.Restaurants(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("stored %d restaurants, want 0", len(got))
	}
}

func TestImport_SourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := setupStore(t)
	im := New(s, nil)
	if _, err := im.Import(testCtx(t), filepath.Join(t.TempDir(), "missing.json"), ""); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := im.Import(testCtx(t), "", srv.URL); err == nil {
		t.Error("expected error for failing URL")
	}
	if _, err := im.Import(testCtx(t), writeFile(t, "bad.json", `[{"id": 1,`), ""); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
