package cmd

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubguard/config"
	"github.com/jmcleod/hubguard/storage/redisstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Backend = config.BackendMemory
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoresMemory(t *testing.T) {
	st, err := openStores(t.Context(), testConfig(t), discardLogger())
	require.NoError(t, err)
	defer st.Close()

	assert.Same(t, st.primary, st.sessions)
}

func TestOpenStoresBolt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = config.BackendBolt
	cfg.DataDir = t.TempDir() + "/nested"

	st, err := openStores(t.Context(), cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.FileExists(t, cfg.DataDir+"/hubguard.db")
}

func TestOpenStoresRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.SessionBackend = config.SessionBackendRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	st, err := openStores(t.Context(), cfg, discardLogger())
	require.NoError(t, err)
	defer st.Close()

	assert.IsType(t, &redisstore.Store{}, st.sessions)
}

func TestOpenStoresUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "sqlite"
	_, err := openStores(t.Context(), cfg, discardLogger())
	assert.Error(t, err)
}

func TestRouterHealthAndAPI(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStores(t.Context(), cfg, discardLogger())
	require.NoError(t, err)
	defer st.Close()

	a, sweeper, closeLocator, err := buildAPI(cfg, st, discardLogger())
	require.NoError(t, err)
	defer closeLocator()
	require.NotNil(t, sweeper)

	srv := httptest.NewServer(newRouter(a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerTLSConfigFallsBackToSelfSigned(t *testing.T) {
	tlsConfig, err := serverTLSConfig(testConfig(t))
	require.NoError(t, err)
	require.Len(t, tlsConfig.Certificates, 1)
}
