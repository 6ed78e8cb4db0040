package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the sweeper service.
type Config struct {
	LogLevel        string
	Cron            string
	Retention       time.Duration
	StrandedAfter   time.Duration
	ScanLimit       int
	RedisAddr       string
	PostgresDSN     string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		Cron:            v.GetString("cron"),
		Retention:       v.GetDuration("retention"),
		StrandedAfter:   v.GetDuration("stranded_after"),
		ScanLimit:       v.GetInt("scan_limit"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}
