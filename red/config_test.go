package red

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, DefaultDatabaseSlowThreshold, cfg.DatabaseSlowThreshold)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)

	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "", cfg.Logging.Directory)
	assert.Equal(t, DefaultLogRotateMaxSizeMB, cfg.Logging.MaxSizeMB)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordStartupMessage, cfg.Discord.StartupMessage)

	require.NotNil(t, cfg.Sync)
	assert.Equal(t, NamePolicyIgnore, cfg.Sync.NamePolicy)
	assert.Equal(t, DefaultMemberPageSize, cfg.Sync.MemberPageSize)
	assert.Equal(t, DefaultMemberFetchRetries, cfg.Sync.MemberFetchRetries)
	assert.Equal(t, 2*time.Second, cfg.Sync.MemberFetchBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Sync.GuildTimeout)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	err := structValidator.Struct(cfg)
	require.Error(t, err, "discord token and application ID are required")

	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app-id"
	assert.NoError(t, structValidator.Struct(cfg))

	cfg.DatabaseType = "mysql"
	assert.Error(t, structValidator.Struct(cfg))
	cfg.DatabaseType = "postgres"
	assert.NoError(t, structValidator.Struct(cfg))

	cfg.Sync.NamePolicy = "sometimes"
	assert.Error(t, structValidator.Struct(cfg))
	cfg.Sync.NamePolicy = NamePolicyUpdate
	assert.NoError(t, structValidator.Struct(cfg))

	cfg.Sync.MemberPageSize = 5000
	assert.Error(t, structValidator.Struct(cfg))
	cfg.Sync.MemberPageSize = 1000
	assert.NoError(t, structValidator.Struct(cfg))
}
