package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"0.16.1", "0.16.0-2458f667", true},
		{"v0.17.0", "0.16.0", true},
		{"0.16.0", "0.16.0-2458f667", false},
		{"0.15.2", "0.16.0", false},
		{"1.0", "0.16.0", true},
		{"beta", "0.16.0", false},
		{"0.16.0", "dev", false},
	}
	for _, tt := range tests {
		if got := Newer(tt.a, tt.b); got != tt.want {
			t.Errorf("Newer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/repos/"+RecorderRepo+"/releases" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"tag_name": "v0.17.0-beta1", "prerelease": true},
			{"tag_name": "v0.16.2", "html_url": "https://github.com/blakeblackshear/frigate/releases/tag/v0.16.2"}
		]`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewChecker(dir)
	c.SetBaseURL(srv.URL)

	res, err := c.Check(context.Background(), "0.16.0-2458f667", false)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Latest != "0.16.2" || !res.Available || res.Cached {
		t.Errorf("Unexpected result %+v", res)
	}

	// A second checker reads the cache instead of calling the API.
	c2 := NewChecker(dir)
	c2.SetBaseURL(srv.URL)
	res, err = c2.Check(context.Background(), "0.16.2", false)
	if err != nil {
		t.Fatalf("Cached check failed: %v", err)
	}
	if !res.Cached || res.Available || hits.Load() != 1 {
		t.Errorf("Expected cached result without update, got %+v after %d hits", res, hits.Load())
	}

	if _, err := c2.Check(context.Background(), "0.16.2", true); err != nil || hits.Load() != 2 {
		t.Errorf("Expected forced check to hit the API, err=%v hits=%d", err, hits.Load())
	}
}

func TestCheck_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker(t.TempDir())
	c.SetBaseURL(srv.URL)
	if _, err := c.Check(context.Background(), "0.16.0", true); err == nil {
		t.Error("Expected an error for a 403 response")
	}
}
