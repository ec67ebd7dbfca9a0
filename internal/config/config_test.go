package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, []string{"task_assigned", "task_due", "mention"}, cfg.Notify.ImportantKinds)
	assert.Equal(t, DefaultSendBuffer, cfg.Realtime.SendBuffer)
	assert.Less(t, cfg.Realtime.PingPeriod, cfg.Realtime.PongWait)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/huddle")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("NSQ_LOOKUPD", "lookupd-1:4161,lookupd-2:4161")

	cfg := Default()
	applyEnv(&cfg)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Contains(t, cfg.AllowedOrigins, "https://a.example")
	assert.Contains(t, cfg.AllowedOrigins, "https://b.example")
	assert.Equal(t, []string{"lookupd-1:4161", "lookupd-2:4161"}, cfg.Mail.NSQLookupd)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("REDIS_DB", "three")
	t.Setenv("CACHE_TTL", "soon")

	cfg := Default()
	applyEnv(&cfg)

	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
}

func TestApplyEnvConsumerFlag(t *testing.T) {
	t.Setenv("EMAIL_CONSUMER", "yes please")
	cfg := Default()
	cfg.Mail.Consume = true
	applyEnv(&cfg)
	assert.True(t, cfg.Mail.Consume, "a malformed flag keeps the current value")

	t.Setenv("EMAIL_CONSUMER", "false")
	applyEnv(&cfg)
	assert.False(t, cfg.Mail.Consume)

	t.Setenv("EMAIL_CONSUMER", "1")
	applyEnv(&cfg)
	assert.True(t, cfg.Mail.Consume)
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	content := `
Realtime:
  SendBuffer: 16
  MaxRoomConnections: 8
  PongWait: 20s
Notify:
  ImportantKinds: [mention]
  RetentionAge: 72h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := Default()
	require.NoError(t, cfg.mergeFile(path))
	cfg.normalize()

	assert.Equal(t, 16, cfg.Realtime.SendBuffer)
	assert.Equal(t, 8, cfg.Realtime.MaxRoomConnections)
	assert.Equal(t, 20*time.Second, cfg.Realtime.PongWait)
	assert.Equal(t, 18*time.Second, cfg.Realtime.PingPeriod)
	assert.Equal(t, []string{"mention"}, cfg.Notify.ImportantKinds)
	assert.Equal(t, 72*time.Hour, cfg.Notify.RetentionAge)
}

func TestMergeFileMissing(t *testing.T) {
	cfg := Default()
	err := cfg.mergeFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "DATABASE_URL")

	cfg.JWTSecret = "secret"
	cfg.DatabaseURL = "dsn"
	cfg.DatabaseDriver = "oracle"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
