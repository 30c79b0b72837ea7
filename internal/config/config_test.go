package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pubgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 25, s.BatchSize)
	assert.Equal(t, 3, s.S3PoolSize)
	assert.Equal(t, 30*time.Second, s.WorkerKeepaliveInterval)
	assert.Equal(t, 2*time.Minute, s.WorkerKeepaliveTimeout)
	assert.Equal(t, 2*time.Hour, s.TaskDeadline)
	assert.Equal(t, 24*time.Hour, s.PublishTimeout())
	assert.Equal(t, 14*24*time.Hour, s.HistoryTimeout())
	assert.Equal(t, 15*time.Minute, s.SchedulerInterval())
	assert.Contains(t, s.EntryPointFiles, "repomd.xml")
	assert.Contains(t, s.EntryPointFiles, "PULP_MANIFEST")

	rule, ok := s.CronRule("janitor")
	assert.True(t, ok)
	assert.Equal(t, "0 * * * *", rule)

	assert.Nil(t, s.Env("test"))
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
db_url: postgres://gw@localhost/pubgate
batch_size: 10
publish_timeout: 168
cron_janitor: "30 */2 * * *"
env.test:
  bucket: cdn-test
  table: cdn-test-metadata
  config_table: cdn-test-config
  aws_profile: test
  cache_flush_urls:
    - https://cdn1.example.com
    - https://cdn2.example.com
  cache_flush_arl_templates:
    - "S/=/1234/5678/{ttl}/cdn1.example.com/{path}"
env.prod:
  table: cdn-prod-metadata
  fastpurge_enabled: false
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://gw@localhost/pubgate", s.DBURL)
	assert.Equal(t, 10, s.BatchSize)
	assert.Equal(t, 7*24*time.Hour, s.PublishTimeout())

	rule, ok := s.CronRule("janitor")
	require.True(t, ok)
	assert.Equal(t, "30 */2 * * *", rule)

	env := s.Env("test")
	require.NotNil(t, env)
	assert.Equal(t, "test", env.Name)
	assert.Equal(t, "cdn-test", env.Bucket)
	assert.Equal(t, "cdn-test-metadata", env.Table)
	assert.Len(t, env.CacheFlushURLs, 2)
	assert.True(t, env.FastpurgeEnabled)

	prod := s.Env("prod")
	require.NotNil(t, prod)
	assert.False(t, prod.FastpurgeEnabled)

	assert.ElementsMatch(t, []string{"test", "prod"}, s.EnvNames())
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "batch_size: 0\n"))
	assert.ErrorContains(t, err, "batch_size")

	_, err = Load(writeConfig(t, `
worker_keepalive_interval: 2m
worker_keepalive_timeout: 1m
`))
	assert.ErrorContains(t, err, "keepalive")

	_, err = Load(writeConfig(t, `
env.broken:
  bucket: some-bucket
`))
	assert.ErrorContains(t, err, "table is required")
}
