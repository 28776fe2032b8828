package schema

import (
	"errors"
	"fmt"
)

// LatLng is a map position.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Restaurant is stored in the restaurants partition keyed by ID. It is
// always replaced wholesale.
type Restaurant struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Neighborhood   string            `json:"neighborhood,omitempty"`
	Photograph     string            `json:"photograph,omitempty"`
	Address        string            `json:"address,omitempty"`
	LatLng         *LatLng           `json:"latlng,omitempty"`
	CuisineType    string            `json:"cuisine_type,omitempty"`
	OperatingHours map[string]string `json:"operating_hours,omitempty"`
	IsFavorite     Flag              `json:"is_favorite,omitempty"`
	CreatedAt      Timestamp         `json:"createdAt"`
	UpdatedAt      Timestamp         `json:"updatedAt"`
}

// Validate checks the fields the store relies on.
func (r *Restaurant) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", r.ID)
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}
