package observability

import (
	"strings"

	"github.com/smallbiznis/rebill/internal/config"
)

// Config is the slice of process configuration the telemetry stack needs.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "rebill"
	}
	ratio := cfg.OtelSamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:          name,
		Environment:          strings.ToLower(strings.TrimSpace(cfg.Environment)),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             cfg.LogLevel,
		LogFormat:            cfg.LogFormat,
		OtelEnabled:          cfg.OtelEnabled,
		OtelExporterEndpoint: cfg.OTLPEndpoint,
		OtelExporterProtocol: cfg.OTLPProtocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug is true for an explicit debug level or a development environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch c.Environment {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
