package nntp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/javi11/nzbstream/yenc"
)

// ManagerConfig configures the provider manager.
type ManagerConfig struct {
	Providers []ProviderConfig

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries bounds transient-error retries per provider.
	MaxRetries uint

	// RetryDelay is the base delay between retries (exponential).
	RetryDelay time.Duration

	// ArticleCacheSize is the entry budget of the decoded-article LRU.
	ArticleCacheSize int
}

var managerConfigDefault = ManagerConfig{
	MaxRetries:       3,
	RetryDelay:       300 * time.Millisecond,
	ArticleCacheSize: 32,
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c ManagerConfig) WithDefaults() ManagerConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = managerConfigDefault.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = managerConfigDefault.RetryDelay
	}
	if c.ArticleCacheSize == 0 {
		c.ArticleCacheSize = managerConfigDefault.ArticleCacheSize
	}
	return c
}

type decodedArticle struct {
	payload []byte
	header  *yenc.Header
}

// Manager fans article requests out across the configured providers in
// priority order, with transparent retry and failover. Backup providers are
// only consulted when every primary misses the article. Recently decoded
// articles are served from a small in-memory LRU.
type Manager struct {
	config    ManagerConfig
	primaries []*Provider
	backups   []*Provider
	log       *slog.Logger

	cache  *lru.Cache[string, decodedArticle]
	flight singleflight.Group
	closed atomic.Bool
}

// NewManager builds providers from the configuration and returns a manager
// ready to serve articles.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg = cfg.WithDefaults()

	if len(cfg.Providers) == 0 {
		return nil, errors.New("nntp: at least one provider is required")
	}

	m := &Manager{
		config: cfg,
		log:    cfg.Logger,
	}

	for _, provCfg := range cfg.Providers {
		provider, err := NewProvider(provCfg)
		if err != nil {
			m.Close()
			return nil, err
		}
		if provCfg.IsBackup {
			m.backups = append(m.backups, provider)
		} else {
			m.primaries = append(m.primaries, provider)
		}
	}

	sort.SliceStable(m.primaries, func(i, j int) bool {
		return m.primaries[i].Priority() < m.primaries[j].Priority()
	})
	sort.SliceStable(m.backups, func(i, j int) bool {
		return m.backups[i].Priority() < m.backups[j].Priority()
	})

	cache, err := lru.New[string, decodedArticle](cfg.ArticleCacheSize)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.cache = cache

	return m, nil
}

// GetDecodedArticle fetches an article body by message-ID and returns its
// decoded payload with the parsed yEnc header. Concurrent requests for the
// same message-ID are collapsed into one upstream fetch.
func (m *Manager) GetDecodedArticle(ctx context.Context, msgID string) ([]byte, *yenc.Header, error) {
	if m.closed.Load() {
		return nil, nil, ErrManagerClosed
	}

	if a, ok := m.cache.Get(msgID); ok {
		return a.payload, a.header, nil
	}

	v, err, _ := m.flight.Do(msgID, func() (any, error) {
		if a, ok := m.cache.Get(msgID); ok {
			return a, nil
		}

		a, err := m.fetchDecoded(ctx, msgID)
		if err != nil {
			return decodedArticle{}, err
		}

		m.cache.Add(msgID, a)
		return a, nil
	})
	if err != nil {
		return nil, nil, err
	}

	a := v.(decodedArticle)
	return a.payload, a.header, nil
}

// fetchDecoded walks primaries then backups. Backups are only tried when the
// primaries reported the article missing, mirroring incomplete retention.
func (m *Manager) fetchDecoded(ctx context.Context, msgID string) (decodedArticle, error) {
	notFoundAddrs := make(map[string]bool)

	var errs *multierror.Error
	tried := 0
	notFound := 0

	tryGroup := func(providers []*Provider) (decodedArticle, bool) {
		for _, provider := range providers {
			if notFoundAddrs[provider.Address()] {
				continue
			}
			if !provider.Available() {
				continue
			}
			tried++

			raw, err := m.fetchRaw(ctx, provider, msgID)
			if err != nil {
				if IsArticleNotFound(err) {
					notFound++
					notFoundAddrs[provider.Address()] = true
					continue
				}
				errs = multierror.Append(errs, err)
				continue
			}

			payload, header, err := yenc.Decode(raw)
			if err != nil {
				// Corrupt copy on this provider; a fresh fetch from the
				// next one may still succeed.
				m.log.WarnContext(ctx, "yenc decode failed",
					"provider", provider.Name(),
					"message_id", msgID,
					"error", err)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
				continue
			}

			return decodedArticle{payload: payload, header: header}, true
		}
		return decodedArticle{}, false
	}

	if a, ok := tryGroup(m.primaries); ok {
		return a, nil
	}
	if a, ok := tryGroup(m.backups); ok {
		return a, nil
	}

	if ctx.Err() != nil {
		return decodedArticle{}, ctx.Err()
	}

	switch {
	case tried == 0:
		// Everything is in backoff; callers may retry later.
		return decodedArticle{}, ErrNoProvidersAvailable
	case errs == nil && notFound > 0:
		return decodedArticle{}, ErrArticleNotFound
	default:
		return decodedArticle{}, fmt.Errorf("%w: <%s>: %w", ErrAllProvidersFailed, msgID, errs.ErrorOrNil())
	}
}

// fetchRaw retries transient failures against one provider before the
// manager moves on to the next.
func (m *Manager) fetchRaw(ctx context.Context, provider *Provider, msgID string) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			var err error
			body, err = provider.FetchBody(ctx, msgID)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(m.config.MaxRetries),
		retry.Delay(m.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	return body, nil
}

// Stats returns per-provider counter snapshots, primaries first.
func (m *Manager) Stats() []ProviderStats {
	stats := make([]ProviderStats, 0, len(m.primaries)+len(m.backups))
	for _, p := range m.primaries {
		stats = append(stats, p.Stats())
	}
	for _, p := range m.backups {
		stats = append(stats, p.Stats())
	}
	return stats
}

// HealthCheck probes every provider concurrently and returns the first error.
func (m *Manager) HealthCheck(ctx context.Context) error {
	type result struct{ err error }

	providers := append(append([]*Provider{}, m.primaries...), m.backups...)
	results := make(chan result, len(providers))

	for _, provider := range providers {
		go func(p *Provider) {
			results <- result{err: p.Probe(ctx)}
		}(provider)
	}

	var firstErr error
	for range providers {
		if r := <-results; r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}

// Close closes all provider pools. In-flight fetches fail as their
// connections are torn down.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	for _, p := range m.primaries {
		p.Close()
	}
	for _, p := range m.backups {
		p.Close()
	}
}
