package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestPingReportsDatabaseState(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	previous := DB
	DB = db
	defer func() { DB = previous }()

	mock.ExpectPing()
	assert.NoError(t, Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "refresh", "true", time.Minute))
	val, err := store.Get(ctx, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "true", val)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "refresh")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStoreSetNX(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.SetNX(ctx, "stripe:event:evt_1", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "stripe:event:evt_1", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Del(ctx, "stripe:event:evt_1"))
	ok, _ = store.SetNX(ctx, "stripe:event:evt_1", "1", time.Minute)
	assert.True(t, ok)
}

func TestSeedAmenitiesUpserts(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:seed_test?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	first, err := SeedAmenities(db)
	require.NoError(t, err)
	assert.Greater(t, first, 0)

	second, err := SeedAmenities(db)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int64
	db.Table("amenities").Count(&count)
	assert.Equal(t, int64(first), count)
}
