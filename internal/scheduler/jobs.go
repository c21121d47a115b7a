package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/cache"
	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/modules/biomemarket"
	"github.com/parcelworld/parcel/internal/modules/chat"
	"github.com/parcelworld/parcel/internal/modules/marketplace"
	"github.com/parcelworld/parcel/internal/reliability"
)

// AuctionSweepJob settles auctions whose deadline has passed.
type AuctionSweepJob struct {
	marketplace *marketplace.Service
	log         zerolog.Logger
}

func NewAuctionSweepJob(marketplaceSvc *marketplace.Service, log zerolog.Logger) *AuctionSweepJob {
	return &AuctionSweepJob{
		marketplace: marketplaceSvc,
		log:         log.With().Str("job", "auction_sweep").Logger(),
	}
}

func (j *AuctionSweepJob) Name() string { return "auction_sweep" }

func (j *AuctionSweepJob) Run() error {
	settled, err := j.marketplace.SweepExpired()
	if err != nil {
		return err
	}
	if settled > 0 {
		j.log.Info().Int("settled", settled).Msg("Settled expired auctions")
	}
	return nil
}

// ChatRetentionJob purges old chat messages and aged tombstones.
type ChatRetentionJob struct {
	chat *chat.Service
	log  zerolog.Logger
}

func NewChatRetentionJob(chatSvc *chat.Service, log zerolog.Logger) *ChatRetentionJob {
	return &ChatRetentionJob{
		chat: chatSvc,
		log:  log.With().Str("job", "chat_retention").Logger(),
	}
}

func (j *ChatRetentionJob) Name() string { return "chat_retention" }

func (j *ChatRetentionJob) Run() error {
	purged, err := j.chat.RunRetention()
	if err != nil {
		return err
	}
	if purged > 0 {
		j.log.Info().Int64("purged", purged).Msg("Purged expired chat messages")
	}
	return nil
}

// staleAttentionAge is the safety-net cutoff for attention rows the market
// engine never consumed (e.g. rows written while the engine was down).
const staleAttentionAge = time.Hour

// CacheCleanupJob evicts expired cache entries, expired refresh tokens and
// stale attention rows.
type CacheCleanupJob struct {
	cache     *cache.Cache
	tokens    *cache.TokenStore
	attention *biomemarket.Repository
	log       zerolog.Logger
}

func NewCacheCleanupJob(
	kv *cache.Cache,
	tokens *cache.TokenStore,
	attention *biomemarket.Repository,
	log zerolog.Logger,
) *CacheCleanupJob {
	return &CacheCleanupJob{
		cache:     kv,
		tokens:    tokens,
		attention: attention,
		log:       log.With().Str("job", "cache_cleanup").Logger(),
	}
}

func (j *CacheCleanupJob) Name() string { return "cache_cleanup" }

func (j *CacheCleanupJob) Run() error {
	expired, err := j.cache.DeleteExpired()
	if err != nil {
		return err
	}
	tokens, err := j.tokens.PurgeExpired()
	if err != nil {
		return err
	}
	stale, err := j.attention.PurgeStaleAttention(time.Now().Add(-staleAttentionAge))
	if err != nil {
		return err
	}

	if expired+tokens+stale > 0 {
		j.log.Info().
			Int64("cache_entries", expired).
			Int64("tokens", tokens).
			Int64("attention_rows", stale).
			Msg("Cache cleanup completed")
	}
	return nil
}

// WALCheckpointJob truncates the write-ahead logs so they cannot grow
// without bound.
type WALCheckpointJob struct {
	databases []*database.DB
	log       zerolog.Logger
}

func NewWALCheckpointJob(databases []*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

func (j *WALCheckpointJob) Run() error {
	for _, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			continue
		}
	}
	return nil
}

// backupTimeout bounds one snapshot-archive-upload cycle.
const backupTimeout = 15 * time.Minute

// CloudBackupJob uploads a nightly archive of the databases.
type CloudBackupJob struct {
	backup *reliability.BackupService
	log    zerolog.Logger
}

func NewCloudBackupJob(backup *reliability.BackupService, log zerolog.Logger) *CloudBackupJob {
	return &CloudBackupJob{
		backup: backup,
		log:    log.With().Str("job", "cloud_backup").Logger(),
	}
}

func (j *CloudBackupJob) Name() string { return "cloud_backup" }

func (j *CloudBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	_, err := j.backup.Run(ctx)
	return err
}
