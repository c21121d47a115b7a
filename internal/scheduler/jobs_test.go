package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworld/parcel/internal/cache"
	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/modules/biomemarket"
	ptesting "github.com/parcelworld/parcel/internal/testing"
)

func TestCacheCleanupJobPurgesExpiredState(t *testing.T) {
	cacheDB := ptesting.NewTestDB(t, "cache")
	worldDB := ptesting.NewTestDB(t, "world")
	log := ptesting.SilentLogger()

	kv := cache.New(cacheDB.Conn(), log)
	tokens := cache.NewTokenStore(cacheDB.Conn(), log)
	attention := biomemarket.NewRepository(worldDB.Conn(), log)

	require.NoError(t, kv.Store("stale", "v", -time.Minute))
	require.NoError(t, kv.Store("fresh", "v", time.Hour))
	require.NoError(t, tokens.Save("alice", "expired-token", -time.Minute))
	require.NoError(t, tokens.Save("alice", "live-token", time.Hour))

	job := NewCacheCleanupJob(kv, tokens, attention, log)
	assert.Equal(t, "cache_cleanup", job.Name())
	require.NoError(t, job.Run())

	var found string
	ok, err := kv.Get("stale", &found)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kv.Get("fresh", &found)
	require.NoError(t, err)
	assert.True(t, ok)

	userID, err := tokens.Lookup("expired-token")
	require.NoError(t, err)
	assert.Empty(t, userID, "expired token row was purged")

	userID, err = tokens.Lookup("live-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestWALCheckpointJobRunsAcrossDatabases(t *testing.T) {
	worldDB := ptesting.NewTestDB(t, "world")
	chatDB := ptesting.NewTestDB(t, "chat")
	log := ptesting.SilentLogger()

	job := NewWALCheckpointJob([]*database.DB{worldDB, chatDB}, log)
	assert.Equal(t, "wal_checkpoint", job.Name())
	require.NoError(t, job.Run())
}

func TestSchedulerRegistersAndRejectsSchedules(t *testing.T) {
	s := New(ptesting.SilentLogger())

	job := NewCacheCleanupJob(nil, nil, nil, ptesting.SilentLogger())
	require.Error(t, s.AddJob("not a schedule", job))
	require.NoError(t, s.AddJob("*/5 * * * * *", job))
	require.NoError(t, s.AddJob("@hourly", job))
}
