//nolint:lll // struct tags can't be split
package red

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "RED_ENV_PREFIX"
	DefaultEnvPrefix   = "RED"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "red.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "/ping me!"

	DiscordSlashCommandPing    = "ping"
	DiscordSlashCommandLogging = "logging"
	DiscordSlashCommandStats   = "stats"

	DefaultSyncNamePolicy        = NamePolicyIgnore
	DefaultMemberPageSize        = 1000
	DefaultMemberFetchRetries    = 3
	DefaultMemberFetchBackoff    = 2 * time.Second
	DefaultMemberRequestsPerSec  = 5
	DefaultSyncGuildTimeout      = 5 * time.Minute
	DefaultLogRotateMaxSizeMB    = 100
	DefaultLogRotateMaxBackups   = 5
	DefaultLogRotateMaxAgeDays   = 28
	discordMaxMessageLength      = 2000
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordUnknownCommand = "I don't know that command!"
)

// Config is the static, start-time configuration for the bot. Anything
// here requires a restart to change; it's loaded once by the CLI and
// passed explicitly to [New] - there is no ambient global config.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Logging configures optional log file rotation
	Logging *LoggingConfig `yaml:"logging" mapstructure:"logging" json:"logging"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Sync configures the guild directory synchronizer
	Sync *SyncConfig `yaml:"sync" mapstructure:"sync" json:"sync"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// LoggingConfig configures log file output. When Directory is empty, logs
// go to stdout and no rotation happens.
type LoggingConfig struct {
	// Directory to write log files to. Empty disables file logging.
	Directory string `yaml:"directory" mapstructure:"directory" json:"directory"`

	// Maximum size in megabytes of the log file before it gets rotated
	MaxSizeMB int `yaml:"max_size_mb" mapstructure:"max_size_mb" json:"max_size_mb"`

	// Maximum number of old log files to retain
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups"`

	// Maximum number of days to retain old log files
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days" json:"max_age_days"`

	// Compress rotated files with gzip
	Compress bool `yaml:"compress" mapstructure:"compress" json:"compress"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ShardCount is the total number of shards the bot runs as. 0 or 1
	// means a single, unsharded session.
	ShardCount int `yaml:"shard_count" mapstructure:"shard_count" json:"shard_count" binding:"min=0"`

	// NotificationChannelID, when set, is the channel the bot announces
	// itself in whenever it connects to the gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect, if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot user's status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// SyncConfig configures the guild directory synchronizer.
//
//nolint:lll // can't break tags
type SyncConfig struct {
	// NamePolicy selects what happens when a synced entity already exists
	// with a different name: 'ignore' keeps the stored name (first name
	// wins), 'update' propagates the rename.
	NamePolicy NamePolicy `yaml:"name_policy" mapstructure:"name_policy" json:"name_policy" binding:"oneof=ignore update"`

	// MemberPageSize is the page size used when fetching guild member lists
	MemberPageSize int `yaml:"member_page_size" mapstructure:"member_page_size" json:"member_page_size" binding:"min=1,max=1000"`

	// MemberFetchRetries is the number of attempts made to fetch a guild's
	// member list before the guild's pass is abandoned
	MemberFetchRetries int `yaml:"member_fetch_retries" mapstructure:"member_fetch_retries" json:"member_fetch_retries" binding:"min=1"`

	// MemberFetchBackoff is the base delay between member fetch attempts
	// (multiplied by the attempt number)
	MemberFetchBackoff time.Duration `yaml:"member_fetch_backoff" mapstructure:"member_fetch_backoff" json:"member_fetch_backoff"`

	// MemberRequestsPerSecond rate-limits member list page requests
	MemberRequestsPerSecond float64 `yaml:"member_requests_per_second" mapstructure:"member_requests_per_second" json:"member_requests_per_second"`

	// GuildTimeout bounds a single guild's sync pass, member fetch included
	GuildTimeout time.Duration `yaml:"guild_timeout" mapstructure:"guild_timeout" json:"guild_timeout"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Logging: &LoggingConfig{
			MaxSizeMB:  DefaultLogRotateMaxSizeMB,
			MaxBackups: DefaultLogRotateMaxBackups,
			MaxAgeDays: DefaultLogRotateMaxAgeDays,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Sync: &SyncConfig{
			NamePolicy:              DefaultSyncNamePolicy,
			MemberPageSize:          DefaultMemberPageSize,
			MemberFetchRetries:      DefaultMemberFetchRetries,
			MemberFetchBackoff:      DefaultMemberFetchBackoff,
			MemberRequestsPerSecond: DefaultMemberRequestsPerSec,
			GuildTimeout:            DefaultSyncGuildTimeout,
		},
	}
}
