package reader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCleanTextCollapsesWhitespaceAndPreservesParagraphs(t *testing.T) {
	input := "  First   paragraph \n\n Second\tparagraph \r\n\r\nThird line "
	got := CleanText(input)
	want := "First paragraph\n\nSecond paragraph\n\nThird line"
	if got != want {
		t.Fatalf("CleanText mismatch\nwant: %q\ngot:  %q", want, got)
	}
}

func TestTruncateText(t *testing.T) {
	got, truncated := TruncateText("abcdefghijklmnopqrstuvwxyz", 10)
	if !truncated {
		t.Fatalf("expected truncated=true")
	}
	if got != "abcdefghi…" {
		t.Fatalf("unexpected truncated text: %q", got)
	}

	full, wasTruncated := TruncateText("short", 10)
	if wasTruncated || full != "short" {
		t.Fatalf("unexpected short text: %q truncated=%v", full, wasTruncated)
	}
}

func TestFetchDescriptionPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "incidentdedup-reader") {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("  Toll Group confirmed   a ransomware attack.\n\nSystems were shut down.  "))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(FetchOptions{MaxChars: 30, HTTPClient: srv.Client()})
	got, err := fetcher.FetchDescription(context.Background(), srv.URL, "Toll ransomware")
	if err != nil {
		t.Fatalf("fetch description: %v", err)
	}
	if got != "Toll Group confirmed a ransom…" {
		t.Fatalf("unexpected description: %q", got)
	}
}

func TestFetchTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/plain")
		}
	}))
	defer srv.Close()

	cases := []struct {
		name string
		url  string
		want string
	}{
		{name: "empty url", url: " ", want: "page URL is required"},
		{name: "non 2xx", url: srv.URL + "/missing", want: "fetch status 404"},
		{name: "empty body", url: srv.URL + "/empty", want: "empty content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FetchText(context.Background(), tc.url, "", FetchOptions{HTTPClient: srv.Client()})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFetchDescriptionPacesRequestsPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Latitude Financial disclosed a breach."))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(FetchOptions{HTTPClient: srv.Client(), PerHostRate: 0.001})
	if _, err := fetcher.FetchDescription(context.Background(), srv.URL+"/a", ""); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := fetcher.FetchDescription(ctx, srv.URL+"/b", ""); err == nil {
		t.Fatalf("expected the second fetch to the same host to be held back")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one request to reach the server, got %d", got)
	}
}
