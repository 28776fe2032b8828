// Package localdb keeps restaurants, reviews and the review outbox in the
// local object store.
package localdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/steveyegge/restaurant-reviews/internal/idb"
	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

const (
	// DBName is the database name recorded in the file.
	DBName = "restaurants-db"
	// Version is the current schema version.
	Version = 1

	RestaurantsStore = "restaurants"
	ReviewsStore     = "reviews"
	OutboxStore      = "outbox"

	// RestaurantIndex indexes reviews by restaurant_id.
	RestaurantIndex = "restaurant_id"
)

// Store is the process-wide handle on the local database. The database is
// opened on first use and shared by every caller holding the *Store.
type Store struct {
	path   string
	logger *log.Logger

	once sync.Once
	open *idb.Future[*idb.DB]

	mu     sync.Mutex
	closed bool
}

// New returns a Store for the database file at path. Nothing is opened yet.
func New(path string) *Store {
	return &Store{path: path, logger: log.New(os.Stderr, "[localdb] ", log.LstdFlags)}
}

// SetLogger replaces the logger that receives rejected batch details.
func (s *Store) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB opens the database on first call and returns the shared handle. A
// failed open is not retried.
func (s *Store) DB(ctx context.Context) (*idb.DB, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s.once.Do(func() {
		s.open = idb.Open(s.path, DBName, Version, Upgrade)
	})
	db, err := s.open.Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	return db, nil
}

// Close closes the database if it was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Stops a later DB call from opening the file.
	s.once.Do(func() {})
	if s.open == nil {
		return nil
	}
	db, err := s.open.Await(context.Background())
	if err != nil {
		return nil
	}
	return db.Close()
}

// Upgrade creates the partitions that do not exist yet. The engine runs it
// only when the requested version is newer than the stored one.
func Upgrade(u *idb.UpgradeDB) error {
	if !u.Contains(RestaurantsStore) {
		if _, err := u.CreateObjectStore(RestaurantsStore, engine.StoreOptions{KeyPath: "id"}); err != nil {
			return fmt.Errorf("failed to create %s: %w", RestaurantsStore, err)
		}
	}
	if !u.Contains(ReviewsStore) {
		reviews, err := u.CreateObjectStore(ReviewsStore, engine.StoreOptions{KeyPath: "id", AutoIncrement: true})
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", ReviewsStore, err)
		}
		if _, err := reviews.CreateIndex(RestaurantIndex, "restaurant_id", engine.IndexOptions{}); err != nil {
			return fmt.Errorf("failed to create %s index: %w", RestaurantIndex, err)
		}
	}
	if !u.Contains(OutboxStore) {
		if _, err := u.CreateObjectStore(OutboxStore, engine.StoreOptions{KeyPath: "id", AutoIncrement: true}); err != nil {
			return fmt.Errorf("failed to create %s: %w", OutboxStore, err)
		}
	}
	return nil
}

// withTx runs fn in a transaction over stores and commits. The transaction
// is aborted when fn fails.
func (s *Store) withTx(ctx context.Context, mode engine.Mode, stores []string, fn func(*idb.Transaction) error) error {
	db, err := s.DB(ctx)
	if err != nil {
		return err
	}
	tx, err := db.Transaction(mode, stores...)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Wait(ctx)
}

// SaveRestaurants upserts every restaurant in one transaction. Either all of
// them are written or none is.
func (s *Store) SaveRestaurants(ctx context.Context, restaurants []schema.Restaurant) error {
	values := make([]any, len(restaurants))
	for i := range restaurants {
		values[i] = &restaurants[i]
	}
	err := s.bulkPut(ctx, RestaurantsStore, values, func(i int) error {
		return restaurants[i].Validate()
	})
	if err != nil {
		s.logger.Printf("Restaurant batch of %d rolled back: %v", len(restaurants), err)
		return ErrRestaurantsNotAdded
	}
	return nil
}

// SaveReviews upserts every review in one transaction. Reviews without an
// ID get one from the store.
func (s *Store) SaveReviews(ctx context.Context, reviews []schema.Review) error {
	values := make([]any, len(reviews))
	for i := range reviews {
		values[i] = &reviews[i]
	}
	err := s.bulkPut(ctx, ReviewsStore, values, func(i int) error {
		return reviews[i].Validate()
	})
	if err != nil {
		s.logger.Printf("Review batch of %d rolled back: %v", len(reviews), err)
		return ErrReviewsNotAdded
	}
	return nil
}

func (s *Store) bulkPut(ctx context.Context, name string, values []any, validate func(int) error) error {
	return s.withTx(ctx, engine.ReadWrite, []string{name}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(name)
		if err != nil {
			return err
		}
		puts := make([]*idb.Future[engine.Key], 0, len(values))
		for i, v := range values {
			if err := validate(i); err != nil {
				return fmt.Errorf("record #%d: %w", i+1, err)
			}
			puts = append(puts, store.Put(v))
		}
		_, err = idb.All(puts...).Await(ctx)
		return err
	})
}

// AddReview stores one review and returns its generated ID.
func (s *Store) AddReview(ctx context.Context, review schema.Review) (int64, error) {
	if err := review.Validate(); err != nil {
		return 0, fmt.Errorf("invalid review: %w", err)
	}
	var id int64
	err := s.withTx(ctx, engine.ReadWrite, []string{ReviewsStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(ReviewsStore)
		if err != nil {
			return err
		}
		key, err := store.Put(review).Await(ctx)
		if err != nil {
			return err
		}
		id, err = intKey(key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add review: %w", err)
	}
	return id, nil
}

// Restaurants returns every stored restaurant ordered by ID.
func (s *Store) Restaurants(ctx context.Context) ([]schema.Restaurant, error) {
	var out []schema.Restaurant
	err := s.withTx(ctx, engine.ReadOnly, []string{RestaurantsStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(RestaurantsStore)
		if err != nil {
			return err
		}
		raws, err := store.GetAll(nil, 0).Await(ctx)
		if err != nil {
			return err
		}
		out, err = decodeAll[schema.Restaurant](raws)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read restaurants: %w", err)
	}
	return out, nil
}

// Restaurant returns one restaurant or ErrNotFound.
func (s *Store) Restaurant(ctx context.Context, id int64) (*schema.Restaurant, error) {
	var out *schema.Restaurant
	err := s.withTx(ctx, engine.ReadOnly, []string{RestaurantsStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(RestaurantsStore)
		if err != nil {
			return err
		}
		raw, err := store.Get(id).Await(ctx)
		if err != nil || raw == nil {
			return err
		}
		out = &schema.Restaurant{}
		return json.Unmarshal(raw, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read restaurant %d: %w", id, err)
	}
	if out == nil {
		return nil, fmt.Errorf("restaurant %d: %w", id, ErrNotFound)
	}
	return out, nil
}

// Reviews returns every stored review ordered by ID.
func (s *Store) Reviews(ctx context.Context) ([]schema.Review, error) {
	var out []schema.Review
	err := s.withTx(ctx, engine.ReadOnly, []string{ReviewsStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(ReviewsStore)
		if err != nil {
			return err
		}
		raws, err := store.GetAll(nil, 0).Await(ctx)
		if err != nil {
			return err
		}
		out, err = decodeAll[schema.Review](raws)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read reviews: %w", err)
	}
	return out, nil
}

// ReviewsForRestaurant returns the reviews of one restaurant via the
// restaurant_id index.
func (s *Store) ReviewsForRestaurant(ctx context.Context, restaurantID int64) ([]schema.Review, error) {
	var out []schema.Review
	err := s.withTx(ctx, engine.ReadOnly, []string{ReviewsStore}, func(tx *idb.Transaction) error {
		store, err := tx.ObjectStore(ReviewsStore)
		if err != nil {
			return err
		}
		index, err := store.Index(RestaurantIndex)
		if err != nil {
			return err
		}
		raws, err := index.GetAll(restaurantID, 0).Await(ctx)
		if err != nil {
			return err
		}
		out, err = decodeAll[schema.Review](raws)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read reviews for restaurant %d: %w", restaurantID, err)
	}
	return out, nil
}

func decodeAll[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func intKey(k engine.Key) (int64, error) {
	switch v := k.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("unexpected key %v (%T)", k, k)
}
