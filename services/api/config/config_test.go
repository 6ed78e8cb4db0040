package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("http_port", "8000")
	v.Set("task_topic", "tasks.pending")
	v.Set("list_limit", 50)
	v.Set("rate_limit", 10)
	v.Set("result_ttl", "30m")
	v.Set("worker_freshness", "15s")

	cfg := Load(v)
	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.Equal(t, "tasks.pending", cfg.TaskTopic)
	assert.Equal(t, 50, cfg.ListLimit)
	assert.Equal(t, 10, cfg.RateLimit)
	assert.Equal(t, 30*time.Minute, cfg.ResultTTL)
	assert.Equal(t, 15*time.Second, cfg.WorkerFreshness)
}

func TestLoad_RateLimitDisabledByDefault(t *testing.T) {
	cfg := Load(viper.New())
	assert.Zero(t, cfg.RateLimit)
	assert.Empty(t, cfg.PostgresDSN)
}
