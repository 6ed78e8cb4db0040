package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel          string
	WorkerName        string
	Concurrency       int
	TaskTimeout       time.Duration
	WorkerMaxTimeout  time.Duration
	HeartbeatInterval time.Duration
	KafkaBrokers      string
	TaskTopic         string
	GroupID           string
	RedisAddr         string
	ResultTTL         time.Duration
	PostgresDSN       string
	MetricsAddr       string
	OTelEndpoint      string
	OTelSampleRatio   float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		WorkerName:        v.GetString("worker_name"),
		Concurrency:       v.GetInt("concurrency"),
		TaskTimeout:       v.GetDuration("task_timeout"),
		WorkerMaxTimeout:  v.GetDuration("worker_max_timeout"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		TaskTopic:         v.GetString("task_topic"),
		GroupID:           v.GetString("group_id"),
		RedisAddr:         v.GetString("redis_addr"),
		ResultTTL:         v.GetDuration("result_ttl"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		OTelSampleRatio:   v.GetFloat64("otel_sample_ratio"),
	}
}

// Freshness is how long a heartbeat keeps this worker listed as live.
func (c Config) Freshness() time.Duration {
	return 3 * c.HeartbeatInterval
}
