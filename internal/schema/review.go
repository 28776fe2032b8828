package schema

import (
	"errors"
	"fmt"
)

// Review is stored in the reviews partition. ID is assigned by the store
// when zero.
type Review struct {
	ID           int64     `json:"id,omitempty"`
	RestaurantID int64     `json:"restaurant_id"`
	Name         string    `json:"name"`
	Rating       int       `json:"rating"`
	Comments     string    `json:"comments"`
	CreatedAt    Timestamp `json:"createdAt"`
	UpdatedAt    Timestamp `json:"updatedAt"`
}

// Validate checks a review before it is stored or queued.
func (r *Review) Validate() error {
	if r.RestaurantID <= 0 {
		return fmt.Errorf("restaurant_id must be positive (got %d)", r.RestaurantID)
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5 (got %d)", r.Rating)
	}
	return nil
}
