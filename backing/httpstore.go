// Package backing provides system-of-record clients usable as a cache's
// read-through/write-through backing store.
package backing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/tuplecache/cache"
)

// HTTPStore talks to a REST system of record that keys values by path:
// GET/PUT/DELETE {base}/{key} with opaque bodies. 404 on GET means absent.
type HTTPStore struct {
	http    *http.Client
	baseURL *url.URL
	apiKey  string
}

type Option func(*HTTPStore)

func WithHTTPClient(h *http.Client) Option {
	return func(s *HTTPStore) { s.http = h }
}

// WithAPIKey sends key in an api-key header on every request.
func WithAPIKey(key string) Option {
	return func(s *HTTPStore) { s.apiKey = key }
}

// WithClientCredentials fetches bearer tokens from tokenURL and attaches
// them to every request.
func WithClientCredentials(clientID, clientSecret, tokenURL string, scopes ...string) Option {
	return func(s *HTTPStore) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		s.http = cfg.Client(context.Background())
	}
}

func NewHTTPStore(rawURL string, opts ...Option) (*HTTPStore, error) {
	if rawURL == "" {
		return nil, errors.New("base URL required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	s := &HTTPStore{
		http:    http.DefaultClient,
		baseURL: u,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

var _ cache.BackingStore = (*HTTPStore)(nil)

func (s *HTTPStore) newReq(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	u := s.baseURL.JoinPath(url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

func (s *HTTPStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	req, err := s.newReq(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		value, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("GET %s: %s: %s", key, resp.Status, string(b))
	}
}

func (s *HTTPStore) Write(ctx context.Context, key string, value []byte) error {
	req, err := s.newReq(ctx, http.MethodPut, key, bytes.NewReader(value))
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PUT %s: %s: %s", key, resp.Status, string(b))
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := s.newReq(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// deleting what is not there is fine
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("DELETE %s: %s: %s", key, resp.Status, string(b))
	}
	return nil
}

// WriteAll writes entries one by one and reports the keys that failed.
func (s *HTTPStore) WriteAll(ctx context.Context, entries map[string][]byte) ([]string, error) {
	var failed []string
	for k, v := range entries {
		if err := s.Write(ctx, k, v); err != nil {
			failed = append(failed, k)
		}
	}
	return failed, nil
}

// DeleteAll deletes keys one by one and reports the keys that failed.
func (s *HTTPStore) DeleteAll(ctx context.Context, keys []string) ([]string, error) {
	var failed []string
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			failed = append(failed, k)
		}
	}
	return failed, nil
}
