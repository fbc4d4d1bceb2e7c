package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/bridge-quotes/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New("aggregator", 2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestGetJSONBuildsURLAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chains/10/spot-prices" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("vsCurrency") != "usd" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "bridgeq/") {
			t.Fatalf("unexpected user agent: %s", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out map[string]bool
	err := New("prices", time.Second, 0).GetJSON(context.Background(), srv.URL, "/v1/chains/10/spot-prices", url.Values{"vsCurrency": {"usd"}}, &out)
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if !out["ok"] {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoJSONMapsStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/auth":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"no route for token pair"}`))
		}
	}))
	defer srv.Close()

	client := New("aggregator", time.Second, 0)
	for path, code := range map[string]clierr.Code{
		"/limited": clierr.CodeRateLimited,
		"/auth":    clierr.CodeAuth,
		"/missing": clierr.CodeUnsupported,
	} {
		err := client.GetJSON(context.Background(), srv.URL, path, nil, &struct{}{})
		if !clierr.Is(err, code) {
			t.Fatalf("%s: expected code %d, got %v", path, code, err)
		}
	}
}

func TestDoJSONSurfacesErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid slippage"}`))
	}))
	defer srv.Close()

	err := New("lifi", time.Second, 0).GetJSON(context.Background(), srv.URL, "/quote", nil, &struct{}{})
	if !clierr.Is(err, clierr.CodeUnsupported) || !strings.Contains(err.Error(), "invalid slippage") {
		t.Fatalf("expected message in error, got %v", err)
	}
}

func TestDoJSONHonorsRetryAfter(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	start := time.Now()
	var out map[string]bool
	if err := New("aggregator", 2*time.Second, 1).GetJSON(context.Background(), srv.URL, "/getQuote", nil, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected Retry-After wait, finished after %s", elapsed)
	}
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	if got := retryAfter(h); got != 0 {
		t.Fatalf("expected no wait without header, got %s", got)
	}
	h.Set("Retry-After", "30")
	if got := retryAfter(h); got != 5*time.Second {
		t.Fatalf("expected cap, got %s", got)
	}
}
