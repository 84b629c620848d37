package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Plarpoon/Red/red"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

RED_DATABASE=/home/foo/red.sqlite3
RED_DATABASE_TYPE=sqlite
RED_DATABASE_LOG_LEVEL=INFO
RED_DATABASE_SLOW_THRESHOLD=200ms
RED_LOG_LEVEL=INFO
RED_STARTUP_TIMEOUT=30s
RED_SHUTDOWN_TIMEOUT=60s

# Log rotation

RED_LOGGING_DIRECTORY=/var/log/red
RED_LOGGING_MAX_SIZE_MB=50
RED_LOGGING_MAX_BACKUPS=3
RED_LOGGING_MAX_AGE_DAYS=7
RED_LOGGING_COMPRESS=true

# Discord bot config

RED_DISCORD_TOKEN=your-discord-bot-token
RED_DISCORD_APPLICATION_ID=your-discord-bot-app-id
RED_DISCORD_GUILD_ID=
RED_DISCORD_SHARD_COUNT=2
RED_DISCORD_NOTIFICATION_CHANNEL_ID=12345
RED_DISCORD_LOG_LEVEL=WARN
RED_DISCORD_DISCORDGO_LOG_LEVEL=WARN
RED_DISCORD_STARTUP_MESSAGE="I'm here!"
RED_DISCORD_GATEWAY_INTENTS=3243773

# Directory sync

RED_SYNC_NAME_POLICY=update
RED_SYNC_MEMBER_PAGE_SIZE=500
RED_SYNC_MEMBER_FETCH_RETRIES=5
RED_SYNC_MEMBER_FETCH_BACKOFF=3s
RED_SYNC_MEMBER_REQUESTS_PER_SECOND=2
RED_SYNC_GUILD_TIMEOUT=10m
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/red.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/red.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "/var/log/red", viper.GetString("logging.directory"))
	assert.Equal(t, 50, viper.GetInt("logging.max_size_mb"))
	assert.Equal(t, 3, viper.GetInt("logging.max_backups"))
	assert.Equal(t, 7, viper.GetInt("logging.max_age_days"))
	assert.True(t, viper.GetBool("logging.compress"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, 2, viper.GetInt("discord.shard_count"))
	assert.Equal(t, "12345", viper.GetString("discord.notification_channel_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "update", viper.GetString("sync.name_policy"))
	assert.Equal(t, 500, viper.GetInt("sync.member_page_size"))
	assert.Equal(t, 5, viper.GetInt("sync.member_fetch_retries"))
	assert.Equal(t, 3*time.Second, viper.GetDuration("sync.member_fetch_backoff"))
	assert.Equal(t, float64(2), viper.GetFloat64("sync.member_requests_per_second"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("sync.guild_timeout"))

	// Unmarshal the configuration into a red.Config struct
	var config red.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/red.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "/var/log/red", config.Logging.Directory)
	assert.Equal(t, 50, config.Logging.MaxSizeMB)
	assert.Equal(t, 3, config.Logging.MaxBackups)
	assert.Equal(t, 7, config.Logging.MaxAgeDays)
	assert.True(t, config.Logging.Compress)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, 2, config.Discord.ShardCount)
	assert.Equal(t, "12345", config.Discord.NotificationChannelID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, red.NamePolicyUpdate, config.Sync.NamePolicy)
	assert.Equal(t, 500, config.Sync.MemberPageSize)
	assert.Equal(t, 5, config.Sync.MemberFetchRetries)
	assert.Equal(t, 3*time.Second, config.Sync.MemberFetchBackoff)
	assert.Equal(t, float64(2), config.Sync.MemberRequestsPerSecond)
	assert.Equal(t, 10*time.Minute, config.Sync.GuildTimeout)
}
