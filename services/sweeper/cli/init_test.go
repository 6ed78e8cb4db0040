package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskpulse/services/sweeper/config"
)

func TestDefaultYAMLLoads(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(defaultSweeperYAML)))

	cfg := config.Load(v)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, 15*time.Minute, cfg.StrandedAfter)
	assert.Equal(t, 500, cfg.ScanLimit)

	_, err := cron.ParseStandard(cfg.Cron)
	assert.NoError(t, err, "default schedule must parse")
}
