// Package cache is the persistent, cross-restart segment cache. Entries are
// keyed by (mountID, fileIndex, segmentIndex) and survive process restarts;
// the prefetcher consults it before falling back to the network.
package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/javi11/nzbstream/segment"
)

// Config configures the segment cache.
type Config struct {
	// Path is the badger database directory. Empty means in-memory, which
	// is only useful for tests.
	Path string

	// TTL is the lifetime of a cache entry. Zero keeps entries until the
	// mount is invalidated.
	TTL time.Duration

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables the GC loop.
	GCInterval time.Duration

	Logger *slog.Logger
}

// Cache stores decoded segment payloads in a badger key/value store.
// Writers only ever insert-or-overwrite an immutable payload under a stable
// key, so concurrent writes of the same key are idempotent.
type Cache struct {
	db     *badger.DB
	config Config
	log    *slog.Logger
	done   chan struct{}
}

var _ segment.PersistentCache = (*Cache)(nil)

// Open opens (creating if needed) the cache database.
func Open(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache open: %w", err)
	}

	c := &Cache{
		db:     db,
		config: cfg,
		log:    cfg.Logger,
		done:   make(chan struct{}),
	}

	if cfg.GCInterval > 0 {
		go c.runGC()
	}

	return c, nil
}

// Get returns the payload for a segment, or segment.ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, mountID string, fileIndex, segmentIndex int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(segmentKey(mountID, fileIndex, segmentIndex))
		if err == badger.ErrKeyNotFound {
			return segment.ErrCacheMiss
		}
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Strip the write timestamp prefix.
	if len(data) < 8 {
		return nil, segment.ErrCacheMiss
	}
	return data[8:], nil
}

// Put stores the payload for a segment, stamped with the write time.
func (c *Cache) Put(ctx context.Context, mountID string, fileIndex, segmentIndex int, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(value, uint64(time.Now().Unix()))
	copy(value[8:], payload)

	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(segmentKey(mountID, fileIndex, segmentIndex), value)
		if c.config.TTL > 0 {
			entry = entry.WithTTL(c.config.TTL)
		}
		return txn.SetEntry(entry)
	})
}

// Contains reports whether a segment is cached.
func (c *Cache) Contains(ctx context.Context, mountID string, fileIndex, segmentIndex int) bool {
	if ctx.Err() != nil {
		return false
	}

	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(segmentKey(mountID, fileIndex, segmentIndex))
		return err
	})
	return err == nil
}

// InvalidateMount deletes every cached segment of a mount. Used when the
// mount-management collaborator expires or removes a mount.
func (c *Cache) InvalidateMount(ctx context.Context, mountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := mountPrefix(mountID)

	// A write batch splits the deletes across transactions internally, so
	// mounts with tens of thousands of segments cannot overflow one txn.
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: false,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return wb.Flush()
}

// Close stops the GC loop and closes the database.
func (c *Cache) Close() error {
	close(c.done)
	return c.db.Close()
}

func (c *Cache) runGC() {
	ticker := time.NewTicker(c.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// Rewrites value-log files with more than half garbage.
			for c.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func segmentKey(mountID string, fileIndex, segmentIndex int) []byte {
	return []byte(fmt.Sprintf("seg:%s:%d:%d", mountID, fileIndex, segmentIndex))
}

func mountPrefix(mountID string) []byte {
	return []byte(fmt.Sprintf("seg:%s:", mountID))
}
