package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendREST   = "rest"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	RESTURL    string
	RESTToken  string
	RedisURL   string
	SQLitePath string
	MaxEntries int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the Store described by opts. The returned closer releases the
// backend's resources. A REST backend without URL or token degrades to
// Unconfigured rather than failing.
func Open(ctx context.Context, opts Options, client *http.Client) (Store, io.Closer, error) {
	switch opts.Backend {
	case "", BackendNone:
		return Unconfigured{}, nopCloser{}, nil
	case BackendMemory:
		return NewMemoryStore(opts.MaxEntries), nopCloser{}, nil
	case BackendREST:
		s := NewRESTStore(client, opts.RESTURL, opts.RESTToken)
		if s == nil {
			return Unconfigured{}, nopCloser{}, nil
		}
		return s, nopCloser{}, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
