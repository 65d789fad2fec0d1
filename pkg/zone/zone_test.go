package zone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetadataZone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			http.Error(w, "missing metadata flavor", http.StatusForbidden)
			return
		}
		w.Write([]byte("projects/123456/zones/us-east1-b"))
	}))
	defer server.Close()

	provider := Metadata{Client: server.Client(), URL: server.URL}
	zone, err := provider.Zone(context.Background())
	if err != nil {
		t.Fatalf("Zone: %v", err)
	}
	if zone != "us-east1-b" {
		t.Fatalf("zone = %q, want us-east1-b", zone)
	}
}

func TestMetadataZoneUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := Metadata{Client: server.Client(), URL: server.URL}
	if _, err := provider.Zone(context.Background()); err == nil {
		t.Fatal("expected error from 500 response")
	}
}

func TestRegion(t *testing.T) {
	testcases := []struct{ in, want string }{
		{"us-east1-b", "us-east1"},
		{"europe-west4-a", "europe-west4"},
		{"local", "local"},
	}
	for _, tc := range testcases {
		if got := Region(tc.in); got != tc.want {
			t.Fatalf("Region(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
