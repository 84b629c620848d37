package red

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// seedInitialSettings inserts a GuildSetting row with
// [SettingGuildLoggingEnabled]=false for every guild that doesn't already
// have one. On a true first run there are normally no guilds yet, so this
// is a no-op until the first sync pass has populated the guilds table.
// Returns the number of rows seeded.
func seedInitialSettings(
	ctx context.Context,
	db DBI,
	logger *slog.Logger,
) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var guilds []Guild
	if err := db.DB().WithContext(ctx).Find(&guilds).Error; err != nil {
		return 0, err
	}

	var seeded int64
	var errs []error
	for _, g := range guilds {
		var existing int64
		err := db.DB().WithContext(ctx).Model(&GuildSetting{}).Where(
			"guild_id = ? AND key = ?",
			g.ID,
			SettingGuildLoggingEnabled,
		).Count(&existing).Error
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existing > 0 {
			continue
		}
		setting := GuildSetting{
			GuildID: g.ID,
			Key:     SettingGuildLoggingEnabled,
			Value:   strconv.FormatBool(false),
		}
		if _, err = db.Create(ctx, &setting); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.InfoContext(
			ctx,
			"seeded initial setting",
			"guild", g,
			"key", SettingGuildLoggingEnabled,
		)
		seeded++
	}
	return seeded, errors.Join(errs...)
}

// GetGuildSetting returns the value of the given guild-scoped setting key,
// and a bool indicating whether a row was found. If multiple rows exist
// for the same key, the most recently created one wins.
func GetGuildSetting(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	key string,
) (string, bool, error) {
	var setting GuildSetting
	err := db.WithContext(ctx).Where(
		"guild_id = ? AND key = ?", guildID, key,
	).Order("id desc").First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return setting.Value, true, nil
}

// SetGuildSetting updates the existing row for the given guild-scoped key,
// or inserts one if none exists. The settings tables themselves don't
// enforce key uniqueness - this is the caller-side guard against
// accumulating duplicates.
func SetGuildSetting(
	ctx context.Context,
	db DBI,
	guildID string,
	key string,
	value string,
) error {
	var setting GuildSetting
	err := db.DB().WithContext(ctx).Where(
		"guild_id = ? AND key = ?", guildID, key,
	).Order("id desc").First(&setting).Error

	switch {
	case err == nil:
		_, err = db.Updates(ctx, &setting, map[string]any{"value": value})
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		setting = GuildSetting{GuildID: guildID, Key: key, Value: value}
		_, err = db.Create(ctx, &setting)
		return err
	default:
		return err
	}
}

// guildLoggingEnabled reports whether message logging is enabled for the
// given guild. Missing or malformed settings count as disabled.
func guildLoggingEnabled(
	ctx context.Context,
	db *gorm.DB,
	logger *slog.Logger,
	guildID string,
) bool {
	value, found, err := GetGuildSetting(
		ctx, db, guildID, SettingGuildLoggingEnabled,
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error reading guild logging setting",
			"guild_id", guildID,
			tint.Err(err),
		)
		return false
	}
	if !found {
		return false
	}
	enabled, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		logger.WarnContext(
			ctx,
			"malformed guild logging setting",
			"guild_id", guildID,
			"value", value,
		)
		return false
	}
	return enabled
}
