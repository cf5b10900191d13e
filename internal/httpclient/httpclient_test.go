package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/deepresearch/internal/retry"
)

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "k" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["q"]})
	}))
	defer srv.Close()

	var out map[string]string
	err := New(0).DoJSON(context.Background(), http.MethodPost, srv.URL, map[string]string{"X-Key": "k"}, map[string]string{"q": "go"}, &out)
	if err != nil {
		t.Fatalf("DoJSON() error = %v", err)
	}
	if out["echo"] != "go" {
		t.Fatalf("DoJSON() out = %v", out)
	}
}

func TestDoJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := Wrap(srv.Client()).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	var se *retry.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Fatalf("DoJSON() error = %v", err)
	}
	if !retry.IsTransient(err) {
		t.Fatalf("503 should be transient")
	}
}
