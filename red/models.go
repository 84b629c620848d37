package red

import (
	"log/slog"

	"gorm.io/gorm"
)

// SettingGuildLoggingEnabled is the guild-scoped setting key seeded for
// every guild on first run, and toggled by the /logging command.
const SettingGuildLoggingEnabled = "GuildLoggingEnabled"

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
//
// Fields:
//   - CreatedAt: The timestamp when the record was created, stored in milliseconds.
//   - UpdatedAt: The timestamp when the record was last updated, stored in milliseconds.
//   - DeletedAt: The timestamp when the record was deleted, stored as a gorm.DeletedAt type.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Guild is a record of a Discord guild the bot has seen. It's the root of
// the directory tree: channels, roles and members all reference it by ID.
// See: https://discord.com/developers/docs/resources/guild
type Guild struct {
	// ID is the Discord guild ID (snowflake, as text)
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// Name as observed when the row was first inserted. Renames are only
	// propagated when [NamePolicyUpdate] is configured.
	Name string `json:"name" gorm:"type:string"`

	ModelUnixTime
}

func (g Guild) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", g.ID),
		slog.String("name", g.Name),
	)
}

// Channel is a record of a channel within a synced guild.
type Channel struct {
	// ID is the Discord channel ID
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// GuildID references the owning [Guild]. Referential consistency is by
	// insert order (guild row first), not an enforced constraint.
	GuildID string `json:"guild_id" gorm:"index;type:string"`

	Name string `json:"name" gorm:"type:string"`

	ModelUnixTime
}

// Role is a record of a role within a synced guild.
type Role struct {
	// ID is the Discord role ID
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// GuildID references the owning [Guild]
	GuildID string `json:"guild_id" gorm:"index;type:string"`

	Name string `json:"name" gorm:"type:string"`

	ModelUnixTime
}

// Member is a record of a user's membership in one guild. Membership is
// per-guild: the same user ID recurs across guilds as distinct rows, so
// the primary key is (guild_id, user_id).
type Member struct {
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`
	UserID  string `json:"user_id" gorm:"primaryKey;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	ModelUnixTime
}

func (m Member) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
	)
}

// GuildSetting is a guild-scoped key/value setting. Keys aren't unique -
// callers are responsible for avoiding duplicates (see [SetGuildSetting]).
type GuildSetting struct {
	ModelUintID
	GuildID string `json:"guild_id" gorm:"index;type:string"`
	Key     string `json:"key" gorm:"index;type:string"`
	Value   string `json:"value" gorm:"type:string"`

	ModelUnixTime
}

// ChannelSetting is the channel-scoped variant of [GuildSetting].
type ChannelSetting struct {
	ModelUintID
	GuildID   string `json:"guild_id" gorm:"index;type:string"`
	ChannelID string `json:"channel_id" gorm:"index;type:string"`
	Key       string `json:"key" gorm:"index;type:string"`
	Value     string `json:"value" gorm:"type:string"`

	ModelUnixTime
}

// UserSetting is the user-scoped variant of [GuildSetting].
type UserSetting struct {
	ModelUintID
	GuildID string `json:"guild_id" gorm:"index;type:string"`
	UserID  string `json:"user_id" gorm:"index;type:string"`
	Key     string `json:"key" gorm:"index;type:string"`
	Value   string `json:"value" gorm:"type:string"`

	ModelUnixTime
}
