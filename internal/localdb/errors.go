package localdb

import "errors"

// Errors returned by Store operations.
//
//	if errors.Is(err, localdb.ErrReviewsNotAdded) {
//	    // nothing from the batch was written
//	}
var (
	// ErrRestaurantsNotAdded is returned when a restaurant batch was rolled
	// back. No record of the batch is persisted.
	ErrRestaurantsNotAdded = errors.New("restaurants not added")

	// ErrReviewsNotAdded is returned when a review batch was rolled back.
	ErrReviewsNotAdded = errors.New("reviews not added")

	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)
