package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bigbag/sds011/internal/config"
)

// ReadingRecord maps the readings table.
type ReadingRecord struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	DeviceID   int32     `gorm:"column:device_id;not null;index"`
	PM25       float64   `gorm:"column:pm25;not null"`
	PM10       float64   `gorm:"column:pm10;not null"`
	MeasuredAt time.Time `gorm:"column:measured_at;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ReadingRecord) TableName() string { return "readings" }

// NewReadingRecord converts a measurement to its row.
func NewReadingRecord(m Measurement) ReadingRecord {
	return ReadingRecord{
		ID:         m.ID,
		DeviceID:   int32(m.DeviceID),
		PM25:       m.PM25,
		PM10:       m.PM10,
		MeasuredAt: m.Time,
	}
}

// Postgres stores measurements in the readings table.
type Postgres struct {
	pool *pgxpool.Pool
	db   *gorm.DB
}

// NewPostgres opens a pgx pool, wraps it in gorm and optionally migrates
// the readings table.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	pool, err := newPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), &gorm.Config{})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&ReadingRecord{}); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate readings: %w", err)
		}
		if logger != nil {
			logger.Info("readings table migrated")
		}
	}

	return &Postgres{pool: pool, db: db}, nil
}

// Push inserts m.
func (p *Postgres) Push(ctx context.Context, m Measurement) error {
	rec := NewReadingRecord(m)
	return p.db.WithContext(ctx).Create(&rec).Error
}

// Close closes the pool.
func (p *Postgres) Close() error {
	if sqlDB, err := p.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	p.pool.Close()
	return nil
}

func newPool(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		pcfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   &pgxZapLogger{logger: logger},
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pcfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// pgxZapLogger adapts pgx trace logs to zap.
type pgxZapLogger struct {
	logger *zap.Logger
}

func (l *pgxZapLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	case tracelog.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case tracelog.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case tracelog.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}
