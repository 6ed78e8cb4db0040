package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the api service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	MetricsAddr     string
	KafkaBrokers    string
	TaskTopic       string
	RedisAddr       string
	ResultTTL       time.Duration
	PostgresDSN     string
	ListLimit       int
	RateLimit       int
	WorkerFreshness time.Duration
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		TaskTopic:       v.GetString("task_topic"),
		RedisAddr:       v.GetString("redis_addr"),
		ResultTTL:       v.GetDuration("result_ttl"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		ListLimit:       v.GetInt("list_limit"),
		RateLimit:       v.GetInt("rate_limit"),
		WorkerFreshness: v.GetDuration("worker_freshness"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}
