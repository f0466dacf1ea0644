package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.True(t, s.Configured())

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", "1", time.Hour))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, s.Set(ctx, "a", "2", 0))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	ok, err := s.SetNX(ctx, "lock", "first", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", "second", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err = s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, s.Delete(ctx, "lock"))
	_, err = s.Get(ctx, "lock")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.SetNX(ctx, "k", "again", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must not block SetNX")
}

func TestMemoryStoreRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, s.Set(ctx, "b", "2", time.Hour))
	require.NoError(t, s.Set(ctx, "c", "3", time.Hour))

	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound, "key closest to expiry is evicted first")
}

func TestMemoryStoreSetNXIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.SetNX(ctx, "marker", "x", time.Hour)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}

func TestSQLiteStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	now = now.Add(time.Hour)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.SetNX(ctx, "k", "fresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Set(ctx, "old", "v", time.Second))
	now = now.Add(time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(context.Background(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, k := range []string{"a", "lock"} {
		_ = s.Delete(context.Background(), k)
	}
	exerciseStore(t, s)
}

// fakeKV mimics the Redis-over-HTTP wire contract.
type fakeKV struct {
	mu    sync.Mutex
	data  map[string]string
	token string
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	unescape := func(s string) string {
		out, _ := url.PathUnescape(s)
		return out
	}
	var result any
	switch parts[0] {
	case "get":
		if v, ok := f.data[unescape(parts[1])]; ok {
			result = v
		}
	case "set":
		key, value := unescape(parts[1]), unescape(parts[2])
		if _, exists := f.data[key]; exists && r.URL.Query().Get("nx") == "true" {
			result = nil
		} else {
			if ex := r.URL.Query().Get("ex"); ex != "" {
				if _, err := strconv.Atoi(ex); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
			}
			f.data[key] = value
			result = "OK"
		}
	case "del":
		delete(f.data, unescape(parts[1]))
		result = 1
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func TestRESTStore(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}, token: "secret"}
	srv := httptest.NewServer(kv)
	defer srv.Close()

	s := NewRESTStore(srv.Client(), srv.URL, "secret")
	require.NotNil(t, s)
	exerciseStore(t, s)

	// Keys with separators survive the round trip.
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "rain-forecast:2024-05-01:evening", `{"a":1}`, time.Hour))
	v, err := s.Get(ctx, "rain-forecast:2024-05-01:evening")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)
}

func TestRESTStoreDegradesToUnavailable(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}, token: "secret"}
	srv := httptest.NewServer(kv)
	defer srv.Close()

	s := NewRESTStore(srv.Client(), srv.URL, "wrong")
	_, err := s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Nil(t, NewRESTStore(srv.Client(), "", "secret"))
	assert.Nil(t, NewRESTStore(srv.Client(), srv.URL, ""))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closer, err := Open(ctx, Options{Backend: BackendREST}, http.DefaultClient)
	require.NoError(t, err)
	assert.False(t, s.Configured())
	require.NoError(t, closer.Close())

	s, _, err = Open(ctx, Options{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	assert.True(t, s.Configured())

	_, _, err = Open(ctx, Options{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

func TestUnconfigured(t *testing.T) {
	ctx := context.Background()
	var s Store = Unconfigured{}

	assert.False(t, s.Configured())
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.SetNX(ctx, "k", "v", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}
