package db

import (
	"context"
	"time"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(NewDB),
)

type Params struct {
	fx.In

	Lc     fx.Lifecycle
	Config config.Config
}

// NewDB opens the configured database with query logging, tracing and pool stats.
func NewDB(p Params) (*gorm.DB, error) {
	dialect, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialect, &gorm.Config{
		Logger:         storeLogger(p.Config),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(p.Config.DBName))); err != nil {
		return nil, err
	}
	if err := conn.Use(prometheus.New(prometheus.Config{
		DBName:          p.Config.DBName,
		RefreshInterval: 15,
		StartServer:     false,
	})); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(p.Config.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(p.Config.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(p.Config.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(p.Config.DBConnMaxIdleTime) * time.Second)

	if p.Lc != nil {
		p.Lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqlDB.PingContext(ctx)
			},
			OnStop: func(context.Context) error {
				return sqlDB.Close()
			},
		})
	}

	return conn, nil
}

func storeLogger(cfg config.Config) *logger.StoreLogger {
	lc := logger.DefaultGormLoggerConfig()
	if cfg.DBSlowQuery > 0 {
		lc.SlowThreshold = cfg.DBSlowQuery
	}
	if cfg.LogLevel == "debug" {
		lc.Level = gormlogger.Info
	}
	return logger.NewGormLogger(lc)
}
