package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/catalog-access/internal/domain"
)

// Package storage keeps a local journal of fetch outcomes.

// Store records the latest outcome per URL.
type Store interface {
	Close() error
	Record(f domain.Fetch) error
	Lookup(url string) (domain.Fetch, bool, error)
	List() ([]domain.Fetch, error)
}

// Options controls retention characteristics for concrete store implementations.
type Options struct {
	EntryTTL        time.Duration
	CleanupInterval time.Duration
}

const (
	defaultEntryTTL        = 30 * 24 * time.Hour
	defaultCleanupInterval = 12 * time.Hour
)

// NewStore creates the configured storage backend.
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	opts = normalizeOptions(opts)

	switch typ {
	case "", "none", "disabled":
		return noopStore{}, nil
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

func normalizeOptions(opts Options) Options {
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = defaultEntryTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return opts
}

type noopStore struct{}

func (noopStore) Close() error                              { return nil }
func (noopStore) Record(domain.Fetch) error                 { return nil }
func (noopStore) Lookup(string) (domain.Fetch, bool, error) { return domain.Fetch{}, false, nil }
func (noopStore) List() ([]domain.Fetch, error)             { return nil, nil }
