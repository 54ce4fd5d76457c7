package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig controls what the store logs. Row lookups that miss are the
// normal path for due-subscription and reconciliation queries, so they are skipped.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	LogNotFound   bool
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 250 * time.Millisecond,
	}
}

// StoreLogger routes gorm output through the request-scoped zap logger.
type StoreLogger struct {
	cfg GormLoggerConfig
}

func NewGormLogger(cfg GormLoggerConfig) *StoreLogger {
	return &StoreLogger{cfg: cfg}
}

func (l *StoreLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *StoreLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *StoreLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *StoreLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *StoreLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < min {
		return
	}
	if len(data) > 0 {
		msg = fmt.Sprintf(msg, data...)
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(zap.String("component", "store"))
	}
}

// Trace logs failed statements, slow statements, and at Info level everything.
func (l *StoreLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var level zapcore.Level
	switch {
	case err != nil && l.cfg.Level >= gormlogger.Error && l.reportable(err):
		level = zapcore.ErrorLevel
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		level = zapcore.WarnLevel
	case l.cfg.Level >= gormlogger.Info:
		level = zapcore.DebugLevel
	default:
		return
	}

	sql, rows := fc()
	stmt := describeStatement(sql)
	fields := []zap.Field{
		zap.String("component", "store"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", stmt.operation),
		zap.String("table", stmt.table),
		zap.Duration("elapsed", elapsed),
	}
	if stmt.locking {
		fields = append(fields, zap.Bool("row_lock", true))
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if level == zapcore.ErrorLevel {
		fields = append(fields, zap.Error(err))
	}

	msg := "db.query"
	if level == zapcore.WarnLevel {
		msg = "db.query.slow"
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *StoreLogger) reportable(err error) bool {
	return l.cfg.LogNotFound || !errors.Is(err, gormlogger.ErrRecordNotFound)
}

// ParamsFilter drops bound values. Vault tokens and card fragments are bound
// parameters and must not be logged.
func (l *StoreLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

type statement struct {
	operation string
	table     string
	locking   bool
}

func describeStatement(sql string) statement {
	stmt := statement{operation: "UNKNOWN"}
	tokens := strings.Fields(sql)
	for i, raw := range tokens {
		token := strings.ToUpper(strings.Trim(raw, "();"))
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if stmt.operation == "UNKNOWN" {
				stmt.operation = token
			}
		}
		switch token {
		case "FROM", "INTO", "UPDATE":
			if stmt.table == "" && i+1 < len(tokens) {
				stmt.table = strings.Trim(tokens[i+1], "\"`();")
			}
		case "FOR":
			if i+1 < len(tokens) && strings.EqualFold(tokens[i+1], "UPDATE") {
				stmt.locking = true
			}
		}
	}
	return stmt
}

var _ gormlogger.Interface = (*StoreLogger)(nil)
