// Package fetch turns output references (remote URLs or inline data URIs)
// into local binary payloads.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/media"
)

// DefaultMaxBytes caps a single downloaded payload
const DefaultMaxBytes = 512 << 20

// Fetcher resolves an output reference into a payload
type Fetcher interface {
	// Fetch downloads remote references and decodes inline ones.
	// Remote failures are reported as *errors.FetchError.
	Fetch(ctx context.Context, ref string) (*media.Payload, error)
}

// Options configures an HTTPFetcher
type Options struct {
	// Timeout bounds a single download
	Timeout time.Duration
	// MaxBytes caps the body size
	MaxBytes int64
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
	// Client overrides the HTTP client
	Client *http.Client
}

// HTTPFetcher downloads remote media over HTTP behind a circuit breaker so a
// dead CDN fails fast instead of stalling every output of a batch
type HTTPFetcher struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*media.Payload]
	maxBytes int64
	log      logger.Logger
}

// NewHTTPFetcher creates a fetcher with the given options
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	log := logger.Default().WithComponent(logger.ComponentFetcher)
	threshold := opts.FailureThreshold

	settings := gobreaker.Settings{
		Name:        "media-fetch",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a 4xx is the URL's fault, not the host's
		IsSuccessful: func(err error) bool {
			var fe *apperrors.FetchError
			if errors.As(err, &fe) && fe.StatusCode >= 400 && fe.StatusCode < 500 {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Fetch circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	}

	return &HTTPFetcher{
		client:   client,
		breaker:  gobreaker.NewCircuitBreaker[*media.Payload](settings),
		maxBytes: opts.MaxBytes,
		log:      log,
	}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*media.Payload, error) {
	if media.IsDataURI(ref) {
		return media.DecodeDataURI(ref)
	}
	if !media.IsRemote(ref) {
		return nil, &apperrors.FetchError{Ref: ref, Err: fmt.Errorf("unsupported reference scheme")}
	}

	payload, err := f.breaker.Execute(func() (*media.Payload, error) {
		return f.download(ctx, ref)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &apperrors.FetchError{Ref: ref, Err: err}
		}
		return nil, err
	}
	return payload, nil
}

func (f *HTTPFetcher) download(ctx context.Context, ref string) (*media.Payload, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, &apperrors.FetchError{Ref: ref, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &apperrors.FetchError{Ref: ref, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &apperrors.FetchError{Ref: ref, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &apperrors.FetchError{Ref: ref, Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &apperrors.FetchError{Ref: ref, Err: fmt.Errorf("body exceeds %d bytes", f.maxBytes)}
	}

	mimeType := detectMIME(resp.Header.Get("Content-Type"), ref, data)
	f.log.DebugContext(ctx, "Fetched remote media",
		"url", ref,
		"bytes", len(data),
		"mime", mimeType,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &media.Payload{MIME: mimeType, Data: data}, nil
}

// detectMIME prefers a recognized Content-Type, then the URL's extension,
// then content sniffing
func detectMIME(header, ref string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			if _, ok := media.KindFromMIME(mt); ok {
				return mt
			}
		}
	}
	if mt := media.MIMEFromName(ref); mt != media.OctetStream {
		return mt
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	if sniffed == "" {
		return media.OctetStream
	}
	return sniffed
}
