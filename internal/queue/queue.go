// Package queue implements the durable store-and-forward queue: a local
// SQLite-backed outbox that holds results, log lines, and metrics snapshots
// until the control-link client or the fallback uploader can deliver them.
//
// Storage uses the pure-Go modernc.org/sqlite driver through GORM, opened
// with a single connection (SQLite allows only one writer at a time) so the
// dequeue-and-claim step can run as an ordinary transaction without extra
// row-level locking.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/fieldscout/agent/internal/errkind"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultMaxAttempts bounds how many times delivery of a single envelope
	// is retried before it is marked failed outright.
	DefaultMaxAttempts = 10
	// DefaultTTL is how long an envelope lives before it is marked expired,
	// unless the caller supplies its own TTL on Enqueue.
	DefaultTTL = 7 * 24 * time.Hour
)

// Queue is the durable store-and-forward queue. The zero value is not
// usable — construct with Open.
type Queue struct {
	db          *gorm.DB
	maxAttempts int
	defaultTTL  time.Duration
	logger      *zap.Logger
}

// Config configures Open.
type Config struct {
	// Path is the SQLite file path, e.g. "<state-dir>/queue.db".
	Path        string
	MaxAttempts int
	DefaultTTL  time.Duration
	Logger      *zap.Logger
}

// Open opens (creating if necessary) the SQLite-backed queue database and
// applies any pending migrations.
func Open(cfg Config) (*Queue, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("queue: logger is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.TransientIO, "queue: open sqlite")
	}
	// SQLite supports only one writer at a time; pinning the pool to a single
	// connection makes the dequeue-claim transaction safe against concurrent
	// dequeue calls without extra row locking.
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: gorm open: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("queue: migrations: %w", err)
	}

	return &Queue{
		db:          gdb,
		maxAttempts: cfg.MaxAttempts,
		defaultTTL:  cfg.DefaultTTL,
		logger:      cfg.Logger.Named("queue"),
	}, nil
}

func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("queue migrations applied")
	return nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue inserts a new pending envelope. ttl of zero uses the queue's
// DefaultTTL; a negative ttl means the envelope never expires.
func (q *Queue) Enqueue(ctx context.Context, taskID, messageType, payload string, ttl time.Duration) (uint, error) {
	now := time.Now().UTC()

	var expiresAt *time.Time
	switch {
	case ttl < 0:
		expiresAt = nil
	case ttl == 0:
		t := now.Add(q.defaultTTL)
		expiresAt = &t
	default:
		t := now.Add(ttl)
		expiresAt = &t
	}

	env := Envelope{
		TaskID:      taskID,
		MessageType: messageType,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	if err := q.db.WithContext(ctx).Create(&env).Error; err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.logger.Debug("enqueued", zap.String("task_id", taskID), zap.String("message_type", messageType), zap.Uint("id", env.ID))
	return env.ID, nil
}

// Dequeue atomically selects up to batchSize pending, unexpired envelopes
// under the retry limit and marks them "sending" within a single
// transaction, so two concurrent Dequeue calls never claim the same row.
func (q *Queue) Dequeue(ctx context.Context, batchSize int) ([]Envelope, error) {
	var claimed []Envelope

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var candidates []Envelope
		if err := tx.
			Where("status = ?", StatusPending).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Where("attempts < max_attempts").
			Order("created_at ASC").
			Limit(batchSize).
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}

		if len(candidates) == 0 {
			return nil
		}

		ids := make([]uint, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}

		if err := tx.Model(&Envelope{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": StatusSending, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("claim candidates: %w", err)
		}

		for i := range candidates {
			candidates[i].Status = StatusSending
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(err, errkind.TransientIO, "queue: dequeue")
	}
	return claimed, nil
}

// MarkSent marks an envelope as successfully delivered.
func (q *Queue) MarkSent(ctx context.Context, id uint) error {
	err := q.db.WithContext(ctx).Model(&Envelope{}).Where("id = ?", id).
		Updates(map[string]any{"status": StatusSent, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("queue: mark sent: %w", err)
	}
	return nil
}

// MarkFailed increments the attempt counter, records the error, and reverts
// the envelope to pending so the worker retries it on the next drain cycle.
func (q *Queue) MarkFailed(ctx context.Context, id uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := q.db.WithContext(ctx).Model(&Envelope{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":     StatusPending,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": msg,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}
	return nil
}

// MarkExpired marks an envelope as expired; it will not be retried.
func (q *Queue) MarkExpired(ctx context.Context, id uint) error {
	err := q.db.WithContext(ctx).Model(&Envelope{}).Where("id = ?", id).
		Updates(map[string]any{"status": StatusExpired, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("queue: mark expired: %w", err)
	}
	return nil
}

// GetAllPending returns every envelope currently pending or mid-send, oldest
// first — the set handed to the fallback uploader when the SFTP path fires.
func (q *Queue) GetAllPending(ctx context.Context) ([]Envelope, error) {
	var envs []Envelope
	err := q.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusPending, StatusSending}).
		Order("created_at ASC").
		Find(&envs).Error
	if err != nil {
		return nil, fmt.Errorf("queue: get all pending: %w", err)
	}
	return envs, nil
}

// GetByTaskID looks up a single envelope by its opaque task ID.
func (q *Queue) GetByTaskID(ctx context.Context, taskID string) (*Envelope, error) {
	var env Envelope
	err := q.db.WithContext(ctx).Where("task_id = ?", taskID).First(&env).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get by task id: %w", err)
	}
	return &env, nil
}

// Delete removes a single envelope outright.
func (q *Queue) Delete(ctx context.Context, id uint) error {
	if err := q.db.WithContext(ctx).Delete(&Envelope{}, id).Error; err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	return nil
}

// Clear removes every envelope from the queue. Used only by operator tooling
// and tests.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.db.WithContext(ctx).Exec("DELETE FROM queue").Error; err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}

// GCExpired flips TTL-expired pending envelopes to expired and
// attempts-exhausted pending envelopes to failed. Called by the queue
// worker's cleanup loop.
func (q *Queue) GCExpired(ctx context.Context) (expired, failed int64, err error) {
	now := time.Now().UTC()

	res := q.db.WithContext(ctx).Model(&Envelope{}).
		Where("status = ?", StatusPending).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("queue: gc expired: %w", res.Error)
	}
	expired = res.RowsAffected

	res = q.db.WithContext(ctx).Model(&Envelope{}).
		Where("status = ?", StatusPending).
		Where("attempts >= max_attempts").
		Updates(map[string]any{"status": StatusFailed, "last_error": "max attempts exceeded", "updated_at": now})
	if res.Error != nil {
		return expired, 0, fmt.Errorf("queue: gc max attempts: %w", res.Error)
	}
	failed = res.RowsAffected

	if expired > 0 || failed > 0 {
		q.logger.Info("queue cleanup", zap.Int64("expired", expired), zap.Int64("failed", failed))
	}
	return expired, failed, nil
}

// ReapOld permanently deletes terminal (sent/expired) envelopes older than
// the given age, returning how many rows were removed.
func (q *Queue) ReapOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := q.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusSent, StatusExpired}).
		Where("updated_at < ?", cutoff).
		Delete(&Envelope{})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: reap old: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Info("reaped old queue entries", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// CountPending returns the number of envelopes currently pending delivery.
func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&Envelope{}).Where("status = ?", StatusPending).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("queue: count pending: %w", err)
	}
	return n, nil
}

// GetStats returns a breakdown of envelope counts by status.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats

	counts := []struct {
		status Status
		dst    *int64
	}{
		{StatusPending, &stats.Pending},
		{StatusSending, &stats.Sending},
		{StatusSent, &stats.Sent},
		{StatusFailed, &stats.Failed},
		{StatusExpired, &stats.Expired},
	}
	for _, c := range counts {
		if err := q.db.WithContext(ctx).Model(&Envelope{}).Where("status = ?", c.status).Count(c.dst).Error; err != nil {
			return Stats{}, fmt.Errorf("queue: stats: %w", err)
		}
	}
	if err := q.db.WithContext(ctx).Model(&Envelope{}).Count(&stats.Total).Error; err != nil {
		return Stats{}, fmt.Errorf("queue: stats total: %w", err)
	}

	var oldest Envelope
	err := q.db.WithContext(ctx).Where("status = ?", StatusPending).Order("created_at ASC").First(&oldest).Error
	if err == nil {
		stats.OldestPending = &oldest.CreatedAt
	} else if err != gorm.ErrRecordNotFound {
		return Stats{}, fmt.Errorf("queue: stats oldest: %w", err)
	}

	return stats, nil
}
