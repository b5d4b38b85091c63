package nntp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbstream/testutil"
)

func testProviderConfig(srv *testutil.Server) ProviderConfig {
	return ProviderConfig{
		Host:           srv.Host(),
		Port:           srv.Port(),
		MaxConnections: 2,
		DialTimeout:    2 * time.Second,
		ReadTimeout:    2 * time.Second,
	}
}

func newTestManager(t *testing.T, providers ...ProviderConfig) *Manager {
	t.Helper()

	m, err := NewManager(ManagerConfig{
		Providers:  providers,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 255)
	}
	return data
}

func TestGetDecodedArticle(t *testing.T) {
	want := testPayload(3000)
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": want}),
	})

	m := newTestManager(t, testProviderConfig(srv))

	payload, hdr, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)
	assert.Equal(t, want, payload)
	require.NotNil(t, hdr)
	assert.Equal(t, int64(len(want)), hdr.Size)
}

func TestArticleCacheServesRepeats(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": testPayload(100)}),
	})

	m := newTestManager(t, testProviderConfig(srv))

	_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)
	_, _, err = m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.BodyRequestCount())
}

func TestConcurrentRequestsCollapse(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": testPayload(100)}),
	})

	m := newTestManager(t, testProviderConfig(srv))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, srv.BodyRequestCount())
}

func TestFailoverOnMissingArticle(t *testing.T) {
	want := testPayload(500)

	first := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.NotFoundHandler(),
	})
	second := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": want}),
	})

	cfg1 := testProviderConfig(first)
	cfg1.Priority = 1
	cfg2 := testProviderConfig(second)
	cfg2.Priority = 2

	m := newTestManager(t, cfg1, cfg2)

	payload, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)
	assert.Equal(t, want, payload)

	// The higher-priority provider was asked first.
	assert.Equal(t, 1, first.BodyRequestCount())
	assert.Equal(t, 1, second.BodyRequestCount())
}

func TestBackupNotConsultedWhenPrimaryServes(t *testing.T) {
	primary := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": testPayload(200)}),
	})
	backup := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": testPayload(200)}),
	})

	backupCfg := testProviderConfig(backup)
	backupCfg.IsBackup = true

	m := newTestManager(t, testProviderConfig(primary), backupCfg)

	_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)

	assert.Equal(t, 1, primary.BodyRequestCount())
	assert.Equal(t, 0, backup.BodyRequestCount())
}

func TestBackupServesWhenPrimaryMisses(t *testing.T) {
	want := testPayload(200)

	primary := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.NotFoundHandler(),
	})
	backup := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": want}),
	})

	backupCfg := testProviderConfig(backup)
	backupCfg.IsBackup = true

	m := newTestManager(t, testProviderConfig(primary), backupCfg)

	payload, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)
	assert.Equal(t, want, payload)
}

func TestArticleMissingEverywhere(t *testing.T) {
	first := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.NotFoundHandler(),
	})
	second := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.NotFoundHandler(),
	})

	m := newTestManager(t, testProviderConfig(first), testProviderConfig(second))

	_, _, err := m.GetDecodedArticle(context.Background(), "gone@test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArticleNotFound)
	assert.True(t, IsArticleNotFound(err))
}

func TestCorruptArticleFailsOver(t *testing.T) {
	want := testPayload(400)

	corrupt := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.CorruptHandler(map[string][]byte{"article@test": want}),
	})
	good := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": want}),
	})

	cfg1 := testProviderConfig(corrupt)
	cfg1.Priority = 1
	cfg2 := testProviderConfig(good)
	cfg2.Priority = 2

	m := newTestManager(t, cfg1, cfg2)

	payload, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)
	assert.Equal(t, want, payload)

	assert.Equal(t, 1, corrupt.BodyRequestCount())
	assert.Equal(t, 1, good.BodyRequestCount())
}

func TestCorruptEverywhereFails(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.CorruptHandler(map[string][]byte{"article@test": testPayload(100)}),
	})

	m := newTestManager(t, testProviderConfig(srv))

	_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestConnectionDropTripsBackoff(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.DropHandler(),
	})

	cfg := testProviderConfig(srv)
	cfg.MaxFailures = 1
	cfg.BackoffBase = time.Minute

	m := newTestManager(t, cfg)

	_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)

	// The provider is now in backoff, so nothing is left to try.
	_, _, err = m.GetDecodedArticle(context.Background(), "other@test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProvidersAvailable)
}

func TestManagerClosed(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.NotFoundHandler(),
	})

	m := newTestManager(t, testProviderConfig(srv))
	m.Close()

	_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerRequiresProviders(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(nil),
	})

	m := newTestManager(t, testProviderConfig(srv))
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestHealthCheckReportsDeadProvider(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.DropHandler(),
	})

	m := newTestManager(t, testProviderConfig(srv))
	assert.Error(t, m.HealthCheck(context.Background()))
}

func TestProviderHasArticle(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": testPayload(50)}),
	})

	p, err := NewProvider(testProviderConfig(srv))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	ok, err := p.HasArticle(context.Background(), "article@test")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.HasArticle(context.Background(), "missing@test")
	require.NoError(t, err)
	assert.False(t, ok)

	// STAT never transfers a body, and the miss is counted.
	assert.Equal(t, 0, srv.BodyRequestCount())
	assert.Equal(t, int64(1), p.Stats().NotFound)
}

func TestStats(t *testing.T) {
	srv := testutil.StartServer(t, testutil.ServerConfig{
		Handler: testutil.ArticleHandler(map[string][]byte{"article@test": testPayload(50)}),
	})

	cfg := testProviderConfig(srv)
	cfg.Name = "main"

	m := newTestManager(t, cfg)

	_, _, err := m.GetDecodedArticle(context.Background(), "article@test")
	require.NoError(t, err)
	_, _, err = m.GetDecodedArticle(context.Background(), "missing@test")
	require.Error(t, err)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "main", stats[0].Name)
	assert.Equal(t, int64(2), stats[0].Requests)
	assert.Equal(t, int64(1), stats[0].NotFound)
	assert.False(t, stats[0].InBackoff)
}
