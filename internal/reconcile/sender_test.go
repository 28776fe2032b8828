package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

func TestHTTPSender_Send(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
	}{
		{"success", http.StatusOK, `{"result":"success"}`, Accepted},
		{"created", http.StatusCreated, `{"result":"success","id":7}`, Accepted},
		{"rejected", http.StatusOK, `{"result":"failure"}`, Rejected},
		{"rejected with error status", http.StatusBadRequest, `{"result":"invalid rating"}`, Rejected},
		{"missing result", http.StatusOK, `{"ok":true}`, Malformed},
		{"null result", http.StatusOK, `{"result":null}`, Malformed},
		{"not json", http.StatusInternalServerError, `<html>oops</html>`, Malformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got schema.Review
			var contentType string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contentType = r.Header.Get("Content-Type")
				data, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(data, &got)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			entry := schema.NewOutboxEntry(schema.Review{RestaurantID: 2, Name: "Ann", Rating: 5, Comments: "great"})
			entry.ID = 9

			err := NewHTTPSender(srv.URL, nil).Send(testCtx(t), *entry)
			if OutcomeOf(err) != tt.outcome {
				t.Fatalf("outcome = %v (err %v), want %v", OutcomeOf(err), err, tt.outcome)
			}
			if contentType != "application/json" {
				t.Errorf("Content-Type = %q", contentType)
			}
			if got.Name != "Ann" || got.RestaurantID != 2 {
				t.Errorf("server received %+v, want the review itself", got)
			}
			if err != nil {
				var re *ReplayError
				if !errors.As(err, &re) || re.EntryID != 9 {
					t.Errorf("error = %#v, want *ReplayError for entry 9", err)
				}
			}
		})
	}
}

func TestHTTPSender_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	entry := schema.NewOutboxEntry(schema.Review{RestaurantID: 1, Name: "Bo", Rating: 3})
	err := NewHTTPSender(url, nil).Send(testCtx(t), *entry)
	if OutcomeOf(err) != TransportFailed {
		t.Fatalf("outcome = %v (err %v), want TransportFailed", OutcomeOf(err), err)
	}
}

func TestOutcomeOf(t *testing.T) {
	if OutcomeOf(nil) != Accepted {
		t.Error("nil should be Accepted")
	}
	if OutcomeOf(errors.New("boom")) != TransportFailed {
		t.Error("plain errors should be TransportFailed")
	}
	wrapped := errors.Join(errors.New("ctx"), &ReplayError{Outcome: Rejected})
	if OutcomeOf(wrapped) != Rejected {
		t.Error("wrapped ReplayError should keep its outcome")
	}
}
