package migration

import (
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if db.DialectName(cfg) != db.DialectPostgres {
			log.Info("applying schema from models", zap.String("db_type", cfg.DBType))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
