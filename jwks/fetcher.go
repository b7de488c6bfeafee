package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultURL is the attestation authority's published key set.
const DefaultURL = "https://nras.attestation.nvidia.com/.well-known/jwks.json"

// maxBodySize bounds the key-set response read from the network.
const maxBodySize = 1 << 20

// Fetcher retrieves a key set from its source.
type Fetcher interface {
	Fetch(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (*jose.JSONWebKeySet, error)

func (f FetcherFunc) Fetch(ctx context.Context) (*jose.JSONWebKeySet, error) { return f(ctx) }

// HTTPFetcher fetches a key set over HTTP.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher for url with a 10 second client timeout.
// An empty url selects DefaultURL.
func NewHTTPFetcher(url string) *HTTPFetcher {
	if url == "" {
		url = DefaultURL
	}
	return &HTTPFetcher{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: f.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: err}
	}
	return Parse(body)
}

// Parse decodes a JSON key set.
func Parse(data []byte) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("jwks: decoding key set: %w", err)
	}
	return &set, nil
}

// FileFetcher reads a key set from a local file. It is used for offline
// verification.
type FileFetcher struct {
	Path string
}

func (f FileFetcher) Fetch(context.Context) (*jose.JSONWebKeySet, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &FetchError{URL: f.Path, Err: err}
	}
	return Parse(data)
}
