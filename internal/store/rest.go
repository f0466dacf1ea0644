package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/rain-forecast/internal/httpx"
)

// RESTStore talks to a Redis-over-HTTP endpoint (Upstash/Vercel KV style):
//
//	GET {base}/get/{key}                  -> {"result": "value" | null}
//	GET {base}/set/{key}/{value}?ex={sec} -> {"result": "OK"}
//	GET {base}/del/{key}                  -> {"result": 1}
//
// Every failure maps to ErrUnavailable.
type RESTStore struct {
	baseURL string
	token   string
	exec    *httpx.Executor
}

// NewRESTStore returns nil when baseURL or token is empty, so callers can fall
// back to Unconfigured.
func NewRESTStore(client *http.Client, baseURL, token string) *RESTStore {
	if baseURL == "" || token == "" {
		return nil
	}
	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		exec:    httpx.New(client, httpx.StorePolicy, nil),
	}
}

// Configured reports true; an unconfigured RESTStore is never constructed.
func (s *RESTStore) Configured() bool { return true }

type restEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Get returns the string stored under key.
func (s *RESTStore) Get(ctx context.Context, key string) (string, error) {
	env, err := s.call(ctx, "/get/"+url.PathEscape(key), nil)
	if err != nil {
		return "", err
	}
	var value string
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return "", ErrNotFound
	}
	if err := json.Unmarshal(env.Result, &value); err != nil {
		// Non-string results are not something this application writes.
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key with the given ttl.
func (s *RESTStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.call(ctx, setPath(key, value), ttlQuery(ttl, false))
	return err
}

// SetNX stores value only if key is absent. The endpoint answers "OK" when it
// wrote the key and null otherwise.
func (s *RESTStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	env, err := s.call(ctx, setPath(key, value), ttlQuery(ttl, true))
	if err != nil {
		return false, err
	}
	var result string
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return false, nil
	}
	return strings.EqualFold(result, "OK"), nil
}

// Delete removes key.
func (s *RESTStore) Delete(ctx context.Context, key string) error {
	_, err := s.call(ctx, "/del/"+url.PathEscape(key), nil)
	return err
}

func (s *RESTStore) call(ctx context.Context, path string, query url.Values) (restEnvelope, error) {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := s.exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		return req, nil
	})
	if err != nil {
		return restEnvelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return restEnvelope{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var env restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return restEnvelope{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if env.Error != "" {
		return restEnvelope{}, fmt.Errorf("%w: %s", ErrUnavailable, env.Error)
	}
	return env, nil
}

func setPath(key, value string) string {
	return "/set/" + url.PathEscape(key) + "/" + url.PathEscape(value)
}

func ttlQuery(ttl time.Duration, nx bool) url.Values {
	q := url.Values{}
	if secs := int64(ttl / time.Second); secs > 0 {
		q.Set("ex", strconv.FormatInt(secs, 10))
	}
	if nx {
		q.Set("nx", "true")
	}
	return q
}

var _ Store = (*RESTStore)(nil)
