package nntp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ProviderConfig describes one upstream NNTP provider.
type ProviderConfig struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string

	TLS         bool
	InsecureTLS bool

	// MaxConnections is the concurrency ceiling for this provider.
	MaxConnections int

	// Priority orders providers during failover; lower is tried first.
	Priority int

	// IsBackup providers are only consulted when every primary misses
	// an article.
	IsBackup bool

	MaxConnectionTTL time.Duration
	DialTimeout      time.Duration
	ReadTimeout      time.Duration

	// MaxFailures is the consecutive-failure count that trips the
	// provider into backoff.
	MaxFailures int

	// BackoffBase and BackoffMax bound the exponential cooldown window.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

var providerConfigDefault = ProviderConfig{
	Port:             119,
	MaxConnections:   10,
	MaxConnectionTTL: 40 * time.Minute,
	DialTimeout:      10 * time.Second,
	ReadTimeout:      60 * time.Second,
	MaxFailures:      3,
	BackoffBase:      5 * time.Second,
	BackoffMax:       5 * time.Minute,
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.Name == "" {
		c.Name = c.Host
	}
	if c.Port == 0 {
		c.Port = providerConfigDefault.Port
		if c.TLS {
			c.Port = 563
		}
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = providerConfigDefault.MaxConnections
	}
	if c.MaxConnectionTTL == 0 {
		c.MaxConnectionTTL = providerConfigDefault.MaxConnectionTTL
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = providerConfigDefault.DialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = providerConfigDefault.ReadTimeout
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = providerConfigDefault.MaxFailures
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = providerConfigDefault.BackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = providerConfigDefault.BackoffMax
	}
	return c
}

// Validate checks the configuration for missing required fields.
func (c ProviderConfig) Validate() error {
	if c.Host == "" {
		return errors.New("nntp: provider host is required")
	}
	if c.MaxConnections < 0 {
		return errors.New("nntp: provider max connections must be positive")
	}
	return nil
}

// Address returns the host:port dial address.
func (c ProviderConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProviderStats is a snapshot of one provider's counters.
type ProviderStats struct {
	Name            string
	Host            string
	Requests        int64
	Errors          int64
	NotFound        int64
	InBackoff       bool
	ConsecutiveFail int
	Connections     int32
	AcquiredConns   int32
}

// Provider owns the connection pool and failure state of one upstream
// provider. Consecutive connection-level failures trip it into an
// exponentially growing cooldown during which it is skipped; once the
// cooldown elapses requests are allowed through again as half-open probes.
type Provider struct {
	config ProviderConfig
	pool   *connPool

	mu           sync.Mutex
	consecutive  int
	trips        int
	openUntil    time.Time
	lastErr      error
	requestCount atomic.Int64
	errorCount   atomic.Int64
	notFound     atomic.Int64
}

// NewProvider creates a provider and its connection pool. Connections are
// opened lazily on first acquire.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := newConnPool(cfg)
	if err != nil {
		return nil, err
	}

	return &Provider{config: cfg, pool: pool}, nil
}

// Name returns the provider's name.
func (p *Provider) Name() string { return p.config.Name }

// Host returns the provider's host.
func (p *Provider) Host() string { return p.config.Host }

// Address returns the provider's host:port dial address.
func (p *Provider) Address() string { return p.config.Address() }

// Priority returns the provider's failover priority.
func (p *Provider) Priority() int { return p.config.Priority }

// IsBackup reports whether this is a backup provider.
func (p *Provider) IsBackup() bool { return p.config.IsBackup }

// Available reports whether the provider should be tried: healthy, or past
// its cooldown window and due for a half-open probe.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consecutive < p.config.MaxFailures {
		return true
	}
	return time.Now().After(p.openUntil)
}

// LastError returns the error that last tripped the provider.
func (p *Provider) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Provider) markSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive = 0
	p.trips = 0
	p.openUntil = time.Time{}
	p.lastErr = nil
}

func (p *Provider) markFailure(err error) {
	p.errorCount.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutive++
	p.lastErr = err

	if p.consecutive < p.config.MaxFailures {
		return
	}

	cooldown := p.config.BackoffBase << p.trips
	if cooldown > p.config.BackoffMax || cooldown <= 0 {
		cooldown = p.config.BackoffMax
	}
	p.openUntil = time.Now().Add(cooldown)
	p.trips++
}

// FetchBody retrieves the raw dot-decoded body of an article from this
// provider. A 430 releases the connection back to the pool; connection-level
// failures destroy it so the pool replaces it lazily.
func (p *Provider) FetchBody(ctx context.Context, msgID string) ([]byte, error) {
	p.requestCount.Add(1)

	res, err := p.pool.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.markFailure(err)
		return nil, &ProviderError{
			Provider:  p.config.Name,
			Host:      p.config.Host,
			Temporary: true,
			Err:       err,
		}
	}

	body, err := res.Value().body(msgID)
	if err != nil {
		return nil, p.handleFetchError(res.Destroy, res.Release, err)
	}

	res.Release()
	p.markSuccess()
	return body, nil
}

// HasArticle checks via STAT whether the provider carries an article,
// without transferring the body. A 430 is a content miss, not an error.
func (p *Provider) HasArticle(ctx context.Context, msgID string) (bool, error) {
	res, err := p.pool.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		p.markFailure(err)
		return false, err
	}

	if err := res.Value().stat(msgID); err != nil {
		if statusCode(err) == StatusArticleNotFound {
			p.notFound.Add(1)
			res.Release()
			return false, nil
		}
		res.Destroy()
		p.markFailure(err)
		return false, err
	}

	res.Release()
	p.markSuccess()
	return true, nil
}

// Probe performs a cheap liveness check, used by half-open recovery and
// periodic health checks.
func (p *Provider) Probe(ctx context.Context) error {
	res, err := p.pool.acquire(ctx)
	if err != nil {
		p.markFailure(err)
		return err
	}

	if err := res.Value().date(); err != nil {
		res.Destroy()
		p.markFailure(err)
		return err
	}

	res.Release()
	p.markSuccess()
	return nil
}

func (p *Provider) handleFetchError(destroy, release func(), err error) error {
	if statusCode(err) == StatusArticleNotFound {
		// Content miss, not a provider fault: the session is still good.
		p.notFound.Add(1)
		release()
		return &ProviderError{
			Provider:   p.config.Name,
			Host:       p.config.Host,
			StatusCode: StatusArticleNotFound,
			Err:        errors.Join(err, ErrArticleNotFound),
		}
	}

	// Connection-level failure: discard rather than return to the pool.
	destroy()
	p.markFailure(err)

	var netErr net.Error
	temporary := errors.As(err, &netErr)

	return &ProviderError{
		Provider:   p.config.Name,
		Host:       p.config.Host,
		StatusCode: statusCode(err),
		Temporary:  temporary,
		Err:        err,
	}
}

// Stats returns a snapshot of the provider's counters.
func (p *Provider) Stats() ProviderStats {
	p.mu.Lock()
	inBackoff := p.consecutive >= p.config.MaxFailures && time.Now().Before(p.openUntil)
	consecutive := p.consecutive
	p.mu.Unlock()

	stat := p.pool.stat()

	return ProviderStats{
		Name:            p.config.Name,
		Host:            p.config.Host,
		Requests:        p.requestCount.Load(),
		Errors:          p.errorCount.Load(),
		NotFound:        p.notFound.Load(),
		InBackoff:       inBackoff,
		ConsecutiveFail: consecutive,
		Connections:     stat.TotalResources(),
		AcquiredConns:   stat.AcquiredResources(),
	}
}

// Close closes the provider's connection pool.
func (p *Provider) Close() {
	p.pool.close()
}
