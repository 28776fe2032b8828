// Package importer seeds the local store from JSON or JSONL sources. A source
// is a file path or an http(s) URL serving the same formats.
package importer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

// Store receives imported records. Each batch is all-or-nothing.
type Store interface {
	SaveRestaurants(ctx context.Context, restaurants []schema.Restaurant) error
	SaveReviews(ctx context.Context, reviews []schema.Review) error
}

// Stats reports how many records were written.
type Stats struct {
	Restaurants int
	Reviews     int
	Duration    time.Duration
}

// Importer loads sources into a Store.
type Importer struct {
	store  Store
	client *http.Client
}

// New creates an Importer. A nil client gets a 30 second timeout.
func New(store Store, client *http.Client) *Importer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Importer{store: store, client: client}
}

// Import reads restaurants then reviews. Either source may be empty. A bad
// record anywhere in a source rejects that whole source.
func (im *Importer) Import(ctx context.Context, restaurantsSrc, reviewsSrc string) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	if restaurantsSrc != "" {
		restaurants, err := readSource[schema.Restaurant](ctx, im.client, restaurantsSrc)
		if err != nil {
			return nil, err
		}
		for i := range restaurants {
			if err := restaurants[i].Validate(); err != nil {
				return nil, fmt.Errorf("invalid restaurant #%d in %s: %w", i+1, restaurantsSrc, err)
			}
		}
		if err := im.store.SaveRestaurants(ctx, restaurants); err != nil {
			return nil, err
		}
		stats.Restaurants = len(restaurants)
	}

	if reviewsSrc != "" {
		reviews, err := readSource[schema.Review](ctx, im.client, reviewsSrc)
		if err != nil {
			return nil, err
		}
		for i := range reviews {
			if err := reviews[i].Validate(); err != nil {
				return nil, fmt.Errorf("invalid review #%d in %s: %w", i+1, reviewsSrc, err)
			}
		}
		if err := im.store.SaveReviews(ctx, reviews); err != nil {
			return nil, err
		}
		stats.Reviews = len(reviews)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func readSource[T any](ctx context.Context, client *http.Client, src string) ([]T, error) {
	var r io.Reader
	if isURL(src) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid source %s: %w", src, err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", src, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("failed to fetch %s: status %d", src, resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", src, err)
		}
		defer f.Close()
		r = f
	}

	records, err := schema.DecodeRecords[T](r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", src, err)
	}
	return records, nil
}
