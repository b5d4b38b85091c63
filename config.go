package nzbstream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/javi11/nzbstream/segment"
	"github.com/javi11/nzbstream/yenc"
)

// ArticleFetcher fetches and decodes articles by message-ID. Implemented by
// nntp.Manager; tests substitute fakes.
type ArticleFetcher interface {
	GetDecodedArticle(ctx context.Context, messageID string) ([]byte, *yenc.Header, error)
}

// Config wires the stream service's collaborators. Mounts and Articles are
// required; everything else has defaults. Construct the pool, cache and
// service once at process start and pass them in; there is no process-wide
// lazy state.
type Config struct {
	Mounts   MountStore
	Articles ArticleFetcher

	// Cache is the persistent segment cache. Optional; nil disables the
	// persistent tier.
	Cache segment.PersistentCache

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// NzbCacheSize and NzbCacheTTL bound the in-process parsed-NZB cache,
	// keyed by NZB hash.
	NzbCacheSize int
	NzbCacheTTL  time.Duration

	// SegmentCacheSize is the in-memory decoded-segment entry budget of
	// each open stream.
	SegmentCacheSize int

	// CleanupCooldown is how long a mount must stay at zero active streams
	// before it is reported as idle for cleanup.
	CleanupCooldown time.Duration

	// PrefetchStrategies overrides the pattern → strategy table.
	PrefetchStrategies map[segment.AccessPattern]segment.Strategy
}

var configDefault = Config{
	NzbCacheSize:     64,
	NzbCacheTTL:      30 * time.Minute,
	SegmentCacheSize: 16,
	CleanupCooldown:  5 * time.Minute,
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NzbCacheSize == 0 {
		c.NzbCacheSize = configDefault.NzbCacheSize
	}
	if c.NzbCacheTTL == 0 {
		c.NzbCacheTTL = configDefault.NzbCacheTTL
	}
	if c.SegmentCacheSize == 0 {
		c.SegmentCacheSize = configDefault.SegmentCacheSize
	}
	if c.CleanupCooldown == 0 {
		c.CleanupCooldown = configDefault.CleanupCooldown
	}
	return c
}

// Validate checks required collaborators.
func (c Config) Validate() error {
	if c.Mounts == nil {
		return errors.New("nzbstream: config requires a mount store")
	}
	if c.Articles == nil {
		return errors.New("nzbstream: config requires an article fetcher")
	}
	return nil
}
