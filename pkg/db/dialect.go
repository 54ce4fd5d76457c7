package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/rebill/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// DialectName normalizes cfg.DBType. Empty means postgres.
func DialectName(cfg config.Config) string {
	switch name := strings.ToLower(strings.TrimSpace(cfg.DBType)); name {
	case "", "postgresql":
		return DialectPostgres
	default:
		return name
	}
}

// Dialect picks the gorm driver for cfg.DBType. Every connection runs in UTC so
// next_bill_at comparisons agree with the scheduler clock.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch DialectName(cfg) {
	case DialectPostgres:
		return postgres.New(postgres.Config{DSN: postgresDSN(cfg)}), nil
	case DialectMySQL:
		return mysql.Open(mysqlDSN(cfg)), nil
	case DialectSQLite:
		return sqlite.Open(sqliteDSN(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	sslmode := cfg.DBSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:   cfg.DBHost + ":" + cfg.DBPort,
		Path:   "/" + cfg.DBName,
		RawQuery: url.Values{
			"sslmode":          {sslmode},
			"TimeZone":         {"UTC"},
			"application_name": {cfg.AppName},
		}.Encode(),
	}
	return u.String()
}

func mysqlDSN(cfg config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
}

// sqliteDSN enables foreign keys and a busy timeout; the billing run and the
// HTTP API write from separate goroutines.
func sqliteDSN(cfg config.Config) string {
	name := strings.TrimSpace(cfg.DBName)
	if name == "" {
		name = "rebill.db"
	}
	if !strings.HasSuffix(name, ".db") && name != ":memory:" {
		name += ".db"
	}
	return "file:" + name + "?_foreign_keys=on&_busy_timeout=5000"
}
