package assetcache

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultManifest_Paths(t *testing.T) {
	paths := DefaultManifest().Paths()
	if len(paths) != 4+3*10 {
		t.Fatalf("len(Paths()) = %d, want 34", len(paths))
	}
	want := map[string]bool{
		"/":                     true,
		"css/styles.css":        true,
		"img/1_300.jpg":         true,
		"img/10_800.jpg":        true,
		"restaurant.html?id=10": true,
	}
	for _, p := range paths {
		delete(want, p)
	}
	if len(want) != 0 {
		t.Errorf("missing paths: %v", want)
	}
}

func TestManifest_URLs(t *testing.T) {
	base, _ := url.Parse("http://localhost:8000/")
	m := &Manifest{Static: []string{"/", "restaurant.html?id=2"}}
	urls, err := m.URLs(base)
	if err != nil {
		t.Fatalf("URLs() failed: %v", err)
	}
	if urls[0].String() != "http://localhost:8000/" || urls[1].String() != "http://localhost:8000/restaurant.html?id=2" {
		t.Errorf("URLs() = %v", urls)
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	data := `static:
  - /
  - css/styles.css
entities:
  first: 1
  last: 2
  templates:
    - img/{id}.webp
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() failed: %v", err)
	}
	if got := m.Paths(); len(got) != 4 || got[3] != "img/2.webp" {
		t.Errorf("Paths() = %v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("entities:\n  first: 3\n  last: 1\n  templates: [x{id}]\n"), 0644)
	if _, err := LoadManifest(bad); err == nil {
		t.Error("LoadManifest() accepted an empty range")
	}
}
