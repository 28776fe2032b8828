package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRestaurant_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       Restaurant
		wantErr bool
	}{
		{"valid", Restaurant{ID: 1, Name: "Mission Chinese Food"}, false},
		{"zero id", Restaurant{Name: "x"}, true},
		{"negative id", Restaurant{ID: -2, Name: "x"}, true},
		{"missing name", Restaurant{ID: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReview_Validate(t *testing.T) {
	valid := Review{RestaurantID: 1, Name: "Steve", Rating: 4, Comments: "good"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Review)
	}{
		{"no restaurant", func(r *Review) { r.RestaurantID = 0 }},
		{"no name", func(r *Review) { r.Name = "" }},
		{"rating low", func(r *Review) { r.Rating = 0 }},
		{"rating high", func(r *Review) { r.Rating = 6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}
}

func TestTimestamp_Decode(t *testing.T) {
	want := time.UnixMilli(1504095563444)
	inputs := []string{
		`1504095563444`,
		`"1504095563444"`,
		`"` + want.UTC().Format(time.RFC3339Nano) + `"`,
	}
	for _, in := range inputs {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", in, err)
			continue
		}
		if !ts.Equal(want) {
			t.Errorf("Unmarshal(%s) = %v, want %v", in, ts.Time, want)
		}
	}

	out, err := json.Marshal(Timestamp{want})
	if err != nil || string(out) != "1504095563444" {
		t.Errorf("Marshal() = (%s, %v)", out, err)
	}
	out, _ = json.Marshal(Timestamp{})
	if string(out) != "null" {
		t.Errorf("Marshal(zero) = %s, want null", out)
	}
}

func TestRestaurant_DecodeFavoriteString(t *testing.T) {
	var r Restaurant
	if err := json.Unmarshal([]byte(`{"id":1,"name":"x","is_favorite":"true"}`), &r); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if !r.IsFavorite {
		t.Error("IsFavorite = false, want true")
	}
}

func TestOutboxEntry_Payload(t *testing.T) {
	e := NewOutboxEntry(Review{RestaurantID: 2, Name: "Ann", Rating: 5, Comments: "great"})
	if e.QueuedAt.IsZero() {
		t.Error("QueuedAt not set")
	}
	body, err := e.Payload()
	if err != nil {
		t.Fatalf("Payload() failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if got["restaurant_id"] != float64(2) || got["name"] != "Ann" {
		t.Errorf("payload = %s", body)
	}
	if _, ok := got["queued_at"]; ok {
		t.Error("payload should carry only the review")
	}
}

func TestDecodeRecords(t *testing.T) {
	array := `[{"id":1,"name":"a"},{"id":2,"name":"b"}]`
	lines := "{\"id\":1,\"name\":\"a\"}\n\n{\"id\":2,\"name\":\"b\"}\n"

	for _, in := range []string{array, lines, "  \n" + array} {
		got, err := DecodeRecords[Restaurant](strings.NewReader(in))
		if err != nil {
			t.Fatalf("DecodeRecords() failed: %v", err)
		}
		if len(got) != 2 || got[1].Name != "b" {
			t.Errorf("DecodeRecords() = %+v", got)
		}
	}

	got, err := DecodeRecords[Restaurant](strings.NewReader(""))
	if err != nil || len(got) != 0 {
		t.Errorf("DecodeRecords(empty) = (%v, %v)", got, err)
	}

	if _, err := DecodeRecords[Restaurant](strings.NewReader("{\"id\":1}\nnope\n")); err == nil {
		t.Error("DecodeRecords() accepted a bad line")
	}
}

func TestReadReviewsFile_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reviews.json")
	data := `[{"restaurant_id":1,"name":"a","rating":3},{"restaurant_id":1,"name":"b","rating":9}]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadReviewsFile(path); err == nil || !strings.Contains(err.Error(), "#2") {
		t.Errorf("ReadReviewsFile() error = %v, want failure on record #2", err)
	}
}
