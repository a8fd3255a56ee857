package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/samvad-hq/catalog-access/internal/domain"
)

const fetchBucket = "fetches"

// record is the stored value: the outcome plus its expiry.
type record struct {
	ExpiresAt int64        `json:"expires_at"`
	Fetch     domain.Fetch `json:"fetch"`
}

// boltStore implements a Store backed by BoltDB, keyed by target URL.
type boltStore struct {
	db              *bolt.DB
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	entryTTL        time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fetchBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	store := &boltStore{
		db:              db,
		entryTTL:        opts.EntryTTL,
		cleanupInterval: opts.CleanupInterval,
		now:             time.Now,
	}
	store.lastCleanup.Store(store.now().Unix())
	return store, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Record stores f as the latest outcome for f.URL, replacing any earlier one.
func (b *boltStore) Record(f domain.Fetch) error {
	if b == nil || b.db == nil {
		return nil
	}
	if f.URL == "" {
		return fmt.Errorf("fetch record requires a url")
	}

	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return err
	}

	value, err := json.Marshal(record{ExpiresAt: now.Add(b.entryTTL).Unix(), Fetch: f})
	if err != nil {
		return fmt.Errorf("encode fetch record: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchBucket))
		if bucket == nil {
			return fmt.Errorf("fetch bucket missing")
		}
		return bucket.Put([]byte(f.URL), value)
	})
}

// Lookup returns the latest unexpired outcome for url.
func (b *boltStore) Lookup(url string) (domain.Fetch, bool, error) {
	if b == nil || b.db == nil {
		return domain.Fetch{}, false, nil
	}

	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return domain.Fetch{}, false, err
	}

	var (
		found domain.Fetch
		ok    bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchBucket))
		if bucket == nil {
			return fmt.Errorf("fetch bucket missing")
		}

		key := []byte(url)
		rec, valid := decodeRecord(bucket.Get(key))
		if !valid || !expiresAfter(rec, now) {
			if bucket.Get(key) != nil {
				return bucket.Delete(key)
			}
			return nil
		}
		found, ok = rec.Fetch, true
		return nil
	})
	return found, ok, err
}

// List returns every unexpired outcome, most recent first.
func (b *boltStore) List() ([]domain.Fetch, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}

	now := b.now()
	var out []domain.Fetch
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchBucket))
		if bucket == nil {
			return fmt.Errorf("fetch bucket missing")
		}
		return bucket.ForEach(func(_, v []byte) error {
			if rec, ok := decodeRecord(v); ok && expiresAfter(rec, now) {
				out = append(out, rec.Fetch)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}

// maybeCleanupExpired removes expired records on a fixed cadence to avoid unbounded growth.
func (b *boltStore) maybeCleanupExpired(now time.Time) error {
	if b == nil || b.db == nil {
		return nil
	}

	last := time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()

	last = time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(fetchBucket))
		if bucket == nil {
			return fmt.Errorf("fetch bucket missing")
		}

		// deleting under a live cursor skips the following key
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			if rec, ok := decodeRecord(v); !ok || !expiresAfter(rec, now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		b.lastCleanup.Store(now.Unix())
	}
	return err
}

func decodeRecord(value []byte) (record, bool) {
	if len(value) == 0 {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil || rec.ExpiresAt <= 0 {
		return record{}, false
	}
	return rec, true
}

func expiresAfter(rec record, now time.Time) bool {
	return time.Unix(rec.ExpiresAt, 0).After(now)
}
