package nntp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBreakerProvider(t *testing.T, maxFailures int, base, max time.Duration) *Provider {
	t.Helper()

	p, err := NewProvider(ProviderConfig{
		Host:        "news.example.com",
		MaxFailures: maxFailures,
		BackoffBase: base,
		BackoffMax:  max,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	return p
}

func TestProviderConfigDefaults(t *testing.T) {
	cfg := ProviderConfig{Host: "news.example.com"}.WithDefaults()

	assert.Equal(t, "news.example.com", cfg.Name)
	assert.Equal(t, 119, cfg.Port)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, 3, cfg.MaxFailures)
	assert.Equal(t, "news.example.com:119", cfg.Address())

	tlsCfg := ProviderConfig{Host: "news.example.com", TLS: true}.WithDefaults()
	assert.Equal(t, 563, tlsCfg.Port)
}

func TestProviderRequiresHost(t *testing.T) {
	_, err := NewProvider(ProviderConfig{})
	assert.Error(t, err)
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	p := newBreakerProvider(t, 3, time.Minute, time.Hour)

	fail := errors.New("connection reset")
	p.markFailure(fail)
	p.markFailure(fail)

	assert.True(t, p.Available())
	assert.Equal(t, fail, p.LastError())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	p := newBreakerProvider(t, 2, time.Minute, time.Hour)

	fail := errors.New("connection reset")
	p.markFailure(fail)
	p.markFailure(fail)

	assert.False(t, p.Available())
	assert.True(t, p.Stats().InBackoff)
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	p := newBreakerProvider(t, 1, 10*time.Millisecond, time.Second)

	p.markFailure(errors.New("connection reset"))
	require.False(t, p.Available())

	assert.Eventually(t, p.Available, time.Second, time.Millisecond)
}

func TestBreakerCooldownGrowsPerTrip(t *testing.T) {
	p := newBreakerProvider(t, 1, 10*time.Millisecond, time.Hour)

	fail := errors.New("connection reset")

	p.markFailure(fail)
	first := time.Until(p.openUntil)

	p.markFailure(fail)
	second := time.Until(p.openUntil)

	// Second trip doubles the cooldown window.
	assert.Greater(t, second, first)
}

func TestBreakerCooldownCapped(t *testing.T) {
	p := newBreakerProvider(t, 1, time.Minute, 2*time.Minute)

	fail := errors.New("connection reset")
	for i := 0; i < 10; i++ {
		p.markFailure(fail)
	}

	remaining := time.Until(p.openUntil)
	assert.LessOrEqual(t, remaining, 2*time.Minute)
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	p := newBreakerProvider(t, 1, time.Minute, time.Hour)

	p.markFailure(errors.New("connection reset"))
	require.False(t, p.Available())

	p.markSuccess()
	assert.True(t, p.Available())
	assert.NoError(t, p.LastError())
	assert.False(t, p.Stats().InBackoff)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrManagerClosed))
	assert.False(t, IsRetryable(ErrArticleNotFound))
	assert.False(t, IsRetryable(&ProviderError{StatusCode: StatusArticleNotFound}))

	assert.True(t, IsRetryable(&ProviderError{Temporary: true}))
	assert.False(t, IsRetryable(&ProviderError{Temporary: false, StatusCode: 500}))
	assert.False(t, IsRetryable(errors.New("arbitrary")))
}

func TestIsArticleNotFound(t *testing.T) {
	assert.False(t, IsArticleNotFound(nil))
	assert.True(t, IsArticleNotFound(ErrArticleNotFound))
	assert.True(t, IsArticleNotFound(&ProviderError{StatusCode: StatusArticleNotFound}))
	assert.False(t, IsArticleNotFound(&ProviderError{StatusCode: 500}))
	assert.False(t, IsArticleNotFound(errors.New("arbitrary")))
}
