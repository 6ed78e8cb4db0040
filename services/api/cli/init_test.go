package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskpulse/services/api/config"
)

func TestDefaultYAMLLoads(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(defaultAPIYAML)))

	cfg := config.Load(v)
	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.Equal(t, "tasks.pending", cfg.TaskTopic)
	assert.Equal(t, 100, cfg.ListLimit)
	assert.Zero(t, cfg.RateLimit)
	assert.Equal(t, 15*time.Second, cfg.WorkerFreshness)
	assert.Equal(t, time.Hour, cfg.ResultTTL)
}

func TestInitCmd_Stdout(t *testing.T) {
	var out bytes.Buffer
	cmd := newInitCmd("api", defaultAPIYAML)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--stdout"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, defaultAPIYAML, out.String())
}

func TestMigrateCmd_RejectsUnknownCommand(t *testing.T) {
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"sideways"}))
	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"up", "down"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, []string{"status"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, nil))
}
