package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rate-cache/internal/rates"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func runOf(start rates.Timestamp, n int) []rates.Timestamp {
	run := make([]rates.Timestamp, n)
	for i := range run {
		run[i] = start + rates.Timestamp(i*60)
	}
	return run
}

func newTestCoinbase(baseURL string) *Coinbase {
	return NewCoinbase(CoinbaseOptions{
		BaseURL:     baseURL,
		Product:     "ICP-USD",
		Granularity: 60,
		UserAgent:   "test",
	}, NewHTTPOutcaller(time.Second, noopLogger()), noopLogger())
}

func TestCoinbaseBuildRequest(t *testing.T) {
	c := newTestCoinbase("https://example.test/")
	req, err := c.BuildRequest(runOf(1652454000, 5))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	want := "https://example.test/products/ICP-USD/candles?end=2022-05-13T15%3A04%3A00Z&granularity=60&start=2022-05-13T15%3A00%3A00Z"
	if req.URL != want {
		t.Fatalf("url mismatch\n got %s\nwant %s", req.URL, want)
	}
	if req.MaxResponseBytes != 12000 {
		t.Fatalf("max response bytes = %d, want 12000", req.MaxResponseBytes)
	}
	if req.Transform == nil {
		t.Fatal("请求必须携带 normalize transform")
	}

	if _, err := c.BuildRequest(nil); err == nil {
		t.Fatal("空 run 应报错")
	}
	if _, err := c.BuildRequest(runOf(0, 201)); err == nil {
		t.Fatal("超过单次点数上限应报错")
	}
}

func TestCoinbaseFetchRunSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/ICP-USD/candles" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("User-Agent") != "test" {
			t.Fatalf("user agent not forwarded: %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[[180,1,2,3,4,5],[60,1,2,3,4,5],[120,1,2,3,4.5,5]]`)
	}))
	defer srv.Close()

	points, err := newTestCoinbase(srv.URL).FetchRun(context.Background(), runOf(60, 5))
	if err != nil {
		t.Fatalf("fetch run: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	for i, p := range points {
		if p.Timestamp != rates.Timestamp(60*(i+1)) {
			t.Fatalf("points should be ascending, got %+v", points)
		}
	}
	if points[1].Rate.Value().String() != "4.5" {
		t.Fatalf("close of bucket 120 = %s", points[1].Rate.Value())
	}
}

func TestCoinbaseFetchRunHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"granularity too small"}`)
	}))
	defer srv.Close()

	_, err := newTestCoinbase(srv.URL).FetchRun(context.Background(), runOf(60, 2))
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("HTTP 400 应返回 ErrUpstreamStatus, 实际 %v", err)
	}
	if !strings.Contains(err.Error(), "granularity too small") {
		t.Fatalf("error should carry upstream message: %v", err)
	}
}

func TestCoinbaseFetchRunMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"unexpected":true}`)
	}))
	defer srv.Close()

	_, err := newTestCoinbase(srv.URL).FetchRun(context.Background(), runOf(60, 2))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestCoinbaseFetchRunOversized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+strings.Repeat(`[60,1,2,3,4,5],`, 2000)+`[60,1,2,3,4,5]]`)
	}))
	defer srv.Close()

	_, err := newTestCoinbase(srv.URL).FetchRun(context.Background(), runOf(60, 2))
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}
