package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
	"github.com/utafrali/gomarketplace/pkg/logger"
	"github.com/utafrali/gomarketplace/services/cart/internal/config"
	"github.com/utafrali/gomarketplace/services/cart/internal/repository"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Environment:       "test",
		LogLevel:          "error",
		HTTPPort:          8003,
		StoreDriver:       driver,
		PersistMaxRetries: 2,
		PersistTimeout:    time.Second,
		BreakerTimeout:    time.Second,
		OTELSampleRate:    1,
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewApp_MemoryDriver(t *testing.T) {
	a, err := NewApp(testConfig(config.DriverMemory), logger.Discard())
	require.NoError(t, err)

	rec := post(t, a.Handler(), "/api/v1/cart/items", `{"id":"p1","title":"Shirt","price":10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, a.Store().ItemCount())

	assert.NoError(t, a.Shutdown())
}

func TestNewApp_RedisDriver_LoadsAndPersists(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set(repository.SnapshotKey,
		`[{"id":"p1","title":"Shirt","imageUrl":"u","price":10,"quantity":1}]`))

	cfg := testConfig(config.DriverRedis)
	cfg.RedisAddr = mr.Addr()

	a, err := NewApp(cfg, logger.Discard())
	require.NoError(t, err)

	products := a.Store().Products()
	require.Len(t, products, 1)
	assert.Equal(t, "u", products[0].ImageURL)

	rec := post(t, a.Handler(), "/api/v1/cart/items/p1/increment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Shutdown())

	raw, err := mr.Get(repository.SnapshotKey)
	require.NoError(t, err)
	items, err := repository.DecodeSnapshot(raw)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, "u", items[0].ImageURL)
}

func TestNewApp_RedisDriver_MalformedSnapshotIsFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set(repository.SnapshotKey, "not-json"))

	cfg := testConfig(config.DriverRedis)
	cfg.RedisAddr = mr.Addr()

	a, err := NewApp(cfg, logger.Discard())
	require.Error(t, err)
	assert.Nil(t, a)
	assert.ErrorIs(t, err, apperrors.ErrPersistenceRead)
	assert.ErrorIs(t, err, repository.ErrMalformedSnapshot)

	raw, err := mr.Get(repository.SnapshotKey)
	require.NoError(t, err)
	assert.Equal(t, "not-json", raw)
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(config.DriverRedis)
	cfg.RedisAddr = addr

	_, err := NewApp(cfg, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis")
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	_, err := openBackend(context.Background(), testConfig("sqlite"), logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store driver "sqlite"`)
}

func TestNewApp_ReadinessReportsStore(t *testing.T) {
	a, err := NewApp(testConfig(config.DriverMemory), logger.Discard())
	require.NoError(t, err)
	defer a.Shutdown()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"memory"`)
	assert.Contains(t, rec.Body.String(), `"snapshot_writer"`)
}
