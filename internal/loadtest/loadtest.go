// Package loadtest drives the local store the way many open client views
// would: concurrent indexed review reads while reviews are written and
// queued.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/steveyegge/restaurant-reviews/internal/localdb"
	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

// TestDatabase is a populated store for load testing.
type TestDatabase struct {
	Store                *localdb.Store
	Restaurants          int
	ReviewsPerRestaurant int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// CreateTestDatabase creates a store at path holding numRestaurants
// restaurants with reviewsPerRestaurant reviews each.
func CreateTestDatabase(ctx context.Context, path string, numRestaurants, reviewsPerRestaurant int) (*TestDatabase, error) {
	if numRestaurants < 1 {
		return nil, fmt.Errorf("need at least one restaurant (got %d)", numRestaurants)
	}
	store := localdb.New(path)

	if err := store.SaveRestaurants(ctx, generateRestaurants(numRestaurants)); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to seed restaurants: %w", err)
	}
	if reviewsPerRestaurant > 0 {
		if err := store.SaveReviews(ctx, generateReviews(numRestaurants, reviewsPerRestaurant)); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed reviews: %w", err)
		}
	}

	return &TestDatabase{
		Store:                store,
		Restaurants:          numRestaurants,
		ReviewsPerRestaurant: reviewsPerRestaurant,
	}, nil
}

// Close closes the store.
func (td *TestDatabase) Close() error {
	if td.Store != nil {
		return td.Store.Close()
	}
	return nil
}

// RunConcurrentQueries simulates numClients views each loading the reviews
// of queriesPerClient random restaurants.
func (td *TestDatabase) RunConcurrentQueries(ctx context.Context, numClients, queriesPerClient int) (*LatencyStats, error) {
	var errorCount atomic.Int32
	p := pool.NewWithResults[[]time.Duration]().WithErrors()

	for i := 0; i < numClients; i++ {
		p.Go(func() ([]time.Duration, error) {
			rng := rand.New(rand.NewSource(int64(i)))
			durations := make([]time.Duration, 0, queriesPerClient)

			for j := 0; j < queriesPerClient; j++ {
				id := int64(rng.Intn(td.Restaurants) + 1)
				start := time.Now()
				_, err := td.Store.ReviewsForRestaurant(ctx, id)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorCount.Add(1)
					return durations, fmt.Errorf("client %d query %d failed: %w", i, j, err)
				}
			}
			return durations, nil
		})
	}

	results, err := p.Wait()

	var all []time.Duration
	for _, durations := range results {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no queries completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = int(errorCount.Load())
	return stats, err
}

// VerifyConsistency runs numReaders indexed readers while one writer queues
// and stores reviews for duration. Readers check that every review they see
// belongs to the restaurant they asked for and that counts never shrink.
func (td *TestDatabase) VerifyConsistency(ctx context.Context, numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	p := pool.New().WithErrors().WithContext(ctx)

	p.Go(func(ctx context.Context) error {
		for i := 0; ctx.Err() == nil; i++ {
			review := schema.Review{
				RestaurantID: int64(i%td.Restaurants + 1),
				Name:         fmt.Sprintf("writer-%d", i),
				Rating:       i%5 + 1,
				Comments:     "load test",
			}
			if _, err := td.Store.AddReview(ctx, review); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("writer add %d failed: %w", i, err)
			}
			if _, err := td.Store.EnqueueReview(ctx, review); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("writer enqueue %d failed: %w", i, err)
			}
		}
		return nil
	})

	for i := 0; i < numReaders; i++ {
		p.Go(func(ctx context.Context) error {
			id := int64(i%td.Restaurants + 1)
			last := 0
			for ctx.Err() == nil {
				reviews, err := td.Store.ReviewsForRestaurant(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("reader %d failed: %w", i, err)
				}
				for _, r := range reviews {
					if r.RestaurantID != id {
						return fmt.Errorf("reader %d asked for restaurant %d, got review %d of %d", i, id, r.ID, r.RestaurantID)
					}
				}
				if len(reviews) < last {
					return fmt.Errorf("reader %d saw restaurant %d shrink from %d to %d reviews", i, id, last, len(reviews))
				}
				last = len(reviews)
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	return p.Wait()
}

func generateRestaurants(count int) []schema.Restaurant {
	neighborhoods := []string{"Manhattan", "Brooklyn", "Queens"}
	cuisines := []string{"Asian", "Pizza", "American", "Mexican"}

	restaurants := make([]schema.Restaurant, count)
	for i := range restaurants {
		restaurants[i] = schema.Restaurant{
			ID:           int64(i + 1),
			Name:         fmt.Sprintf("Restaurant %d", i+1),
			Neighborhood: neighborhoods[i%len(neighborhoods)],
			CuisineType:  cuisines[i%len(cuisines)],
			Photograph:   fmt.Sprintf("%d", i+1),
		}
	}
	return restaurants
}

func generateReviews(restaurants, perRestaurant int) []schema.Review {
	base := time.Now().Add(-30 * 24 * time.Hour)
	reviews := make([]schema.Review, 0, restaurants*perRestaurant)
	for r := 1; r <= restaurants; r++ {
		for j := 0; j < perRestaurant; j++ {
			id := int64(len(reviews) + 1)
			created := schema.Timestamp{Time: base.Add(time.Duration(id) * time.Minute)}
			reviews = append(reviews, schema.Review{
				ID:           id,
				RestaurantID: int64(r),
				Name:         fmt.Sprintf("Reviewer %d", id),
				Rating:       int(id%5) + 1,
				Comments:     "Seeded for load testing",
				CreatedAt:    created,
				UpdatedAt:    created,
			})
		}
	}
	return reviews
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// WriteStats formats latency statistics.
func (s *LatencyStats) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
