package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/typed.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngBytes)
		case "/untyped.webp":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("RIFF....WEBP"))
		case "/sniffed":
			w.Write(pngBytes)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: 5 * time.Second})
	ctx := context.Background()

	tests := []struct {
		path     string
		wantMIME string
	}{
		{"/typed.png", "image/png"},
		{"/untyped.webp?sig=abc", "image/webp"},
		{"/sniffed", "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := f.Fetch(ctx, srv.URL+tt.path)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if p.MIME != tt.wantMIME {
				t.Errorf("MIME = %q, want %q", p.MIME, tt.wantMIME)
			}
			if len(p.Data) == 0 {
				t.Error("empty payload")
			}
		})
	}
}

func TestHTTPFetcher_DataURIPassThrough(t *testing.T) {
	f := NewHTTPFetcher(Options{})
	p, err := f.Fetch(context.Background(), "data:image/gif;base64,R0lGOA==")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if p.MIME != "image/gif" || string(p.Data) != "GIF8" {
		t.Errorf("Fetch() = %+v", p)
	}
	// re-encoding is stable
	if p.DataURI() != "data:image/gif;base64,R0lGOA==" {
		t.Errorf("DataURI() = %q", p.DataURI())
	}
}

func TestHTTPFetcher_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	_, err := f.Fetch(context.Background(), srv.URL+"/x.png")
	var fe *apperrors.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Fetch() error = %v, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusGone {
		t.Errorf("StatusCode = %d, want %d", fe.StatusCode, http.StatusGone)
	}
}

func TestHTTPFetcher_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{FailureThreshold: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.Fetch(ctx, srv.URL+"/x.png")
		if !apperrors.IsFetchError(err) {
			t.Fatalf("Fetch() #%d error = %v, want FetchError", i, err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 (breaker should short-circuit)", got)
	}
}

func TestHTTPFetcher_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{MaxBytes: 10})
	if _, err := f.Fetch(context.Background(), srv.URL+"/big.png"); !apperrors.IsFetchError(err) {
		t.Errorf("Fetch() error = %v, want FetchError", err)
	}
}

func TestHTTPFetcher_UnsupportedScheme(t *testing.T) {
	f := NewHTTPFetcher(Options{})
	if _, err := f.Fetch(context.Background(), "ftp://example.com/a.png"); !apperrors.IsFetchError(err) {
		t.Errorf("Fetch() error = %v, want FetchError", err)
	}
}
