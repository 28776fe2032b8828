package assetcache

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the resources populated into the cache at install.
type Manifest struct {
	// Static paths are cached as-is.
	Static []string `yaml:"static"`

	// Entities expands each template once per id in [First, Last]. The
	// placeholder {id} is replaced by the id.
	Entities EntitySet `yaml:"entities"`
}

// EntitySet generates per-entity resource paths.
type EntitySet struct {
	First     int      `yaml:"first"`
	Last      int      `yaml:"last"`
	Templates []string `yaml:"templates"`
}

// DefaultManifest returns the built-in manifest: the root document, the
// script bundles, the stylesheet, and two image widths plus a detail page
// for restaurants 1 through 10.
func DefaultManifest() *Manifest {
	return &Manifest{
		Static: []string{"/", "js/main.min.js", "js/restaurant.min.js", "css/styles.css"},
		Entities: EntitySet{
			First:     1,
			Last:      10,
			Templates: []string{"img/{id}_300.jpg", "img/{id}_800.jpg", "restaurant.html?id={id}"},
		},
	}
}

// LoadManifest reads a manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the entity range and templates.
func (m *Manifest) Validate() error {
	if len(m.Entities.Templates) > 0 {
		if m.Entities.First > m.Entities.Last {
			return fmt.Errorf("entity range %d..%d is empty", m.Entities.First, m.Entities.Last)
		}
		for _, tmpl := range m.Entities.Templates {
			if !strings.Contains(tmpl, "{id}") {
				return fmt.Errorf("template %q has no {id} placeholder", tmpl)
			}
		}
	}
	if len(m.Paths()) == 0 {
		return fmt.Errorf("manifest is empty")
	}
	return nil
}

// Paths returns every manifest path in install order, without duplicates.
func (m *Manifest) Paths() []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, p := range m.Static {
		add(p)
	}
	if len(m.Entities.Templates) > 0 {
		for id := m.Entities.First; id <= m.Entities.Last; id++ {
			for _, tmpl := range m.Entities.Templates {
				add(strings.ReplaceAll(tmpl, "{id}", strconv.Itoa(id)))
			}
		}
	}
	return paths
}

// URLs resolves the manifest paths against base.
func (m *Manifest) URLs(base *url.URL) ([]*url.URL, error) {
	paths := m.Paths()
	urls := make([]*url.URL, 0, len(paths))
	for _, p := range paths {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest path %q: %w", p, err)
		}
		urls = append(urls, base.ResolveReference(ref))
	}
	return urls, nil
}
