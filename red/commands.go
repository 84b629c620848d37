package red

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	loggingCommandEnabledOption = "enabled"

	pingExplanation = "This is the time it takes for the bot to " +
		"receive an event from Discord's gateway. High values usually " +
		"mean the bot's host is under load, or far from Discord's servers."
)

// CommandHandlerFunc executes one slash command invocation. The
// interaction has not been acknowledged yet when the handler runs;
// handlers are responsible for responding within Discord's 3-second
// window (usually by deferring first).
type CommandHandlerFunc func(
	ctx context.Context,
	r *Red,
	i *discordgo.InteractionCreate,
) error

// Command pairs a slash command definition with its handler.
type Command struct {
	Definition *discordgo.ApplicationCommand
	Handler    CommandHandlerFunc
}

// CommandRegistry holds the bot's slash commands. Commands are declared
// explicitly at startup; the registry is immutable afterwards.
type CommandRegistry struct {
	commands map[string]Command
	order    []string
}

func newCommandRegistry(commands ...Command) *CommandRegistry {
	registry := &CommandRegistry{
		commands: make(map[string]Command, len(commands)),
		order:    make([]string, 0, len(commands)),
	}
	for _, c := range commands {
		registry.commands[c.Definition.Name] = c
		registry.order = append(registry.order, c.Definition.Name)
	}
	return registry
}

// defaultCommandRegistry returns the registry with the bot's standard
// command set: /ping, /logging and /stats.
func defaultCommandRegistry() *CommandRegistry {
	return newCommandRegistry(
		Command{Definition: appCommandPing(), Handler: handleCommandPing},
		Command{Definition: appCommandLogging(), Handler: handleCommandLogging},
		Command{Definition: appCommandStats(), Handler: handleCommandStats},
	)
}

// Get returns the named command and whether it's registered
func (c *CommandRegistry) Get(name string) (Command, bool) {
	cmd, ok := c.commands[name]
	return cmd, ok
}

// Definitions returns the command definitions in declaration order, for
// the bulk overwrite endpoint.
func (c *CommandRegistry) Definitions() []*discordgo.ApplicationCommand {
	defs := make([]*discordgo.ApplicationCommand, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, c.commands[name].Definition)
	}
	return defs
}

func appCommandPing() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandPing,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Check the bot's gateway latency",
	}
}

func appCommandLogging() *discordgo.ApplicationCommand {
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandLogging,
		Type:         discordgo.ChatApplicationCommand,
		Description:  "Enable or disable message logging for this guild",
		DMPermission: &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        loggingCommandEnabledOption,
				Description: "Whether message logging should be enabled",
				Required:    true,
			},
		},
	}
}

func appCommandStats() *discordgo.ApplicationCommand {
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandStats,
		Type:         discordgo.ChatApplicationCommand,
		Description:  "Show directory stats for this guild",
		DMPermission: &dmPerm,
	}
}

// handleCommandPing responds with the gateway heartbeat latency, first as
// a placeholder message, then edited in place with the measured value.
func handleCommandPing(
	ctx context.Context,
	r *Red,
	i *discordgo.InteractionCreate,
) error {
	logger, _ := ContextLogger(ctx)

	err := r.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Calculating latency...",
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error sending ping response: %w", err)
	}

	latency := r.discord.session.HeartbeatLatency()
	embed := &discordgo.MessageEmbed{
		Title:       "Pong!",
		Description: fmt.Sprintf("Gateway latency: **%d ms**", latency.Milliseconds()),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "What does this mean?",
				Value: pingExplanation,
			},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	content := ""
	_, err = r.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Content: &content,
			Embeds:  &[]*discordgo.MessageEmbed{embed},
		},
	)
	if err != nil {
		return fmt.Errorf("error editing ping response: %w", err)
	}
	logger.InfoContext(ctx, "answered ping", "latency", latency)
	return nil
}

// handleCommandLogging toggles the guild's message logging setting
func handleCommandLogging(
	ctx context.Context,
	r *Red,
	i *discordgo.InteractionCreate,
) error {
	logger, _ := ContextLogger(ctx)

	if i.GuildID == "" {
		return respondEphemeral(r, i, "This command only works in a guild.")
	}

	opts := discordInteractionOptions(i)
	opt, ok := opts[loggingCommandEnabledOption]
	if !ok {
		return respondEphemeral(r, i, DefaultDiscordErrorMessage)
	}
	enabled := opt.BoolValue()

	err := SetGuildSetting(
		ctx,
		r.writeDB,
		i.GuildID,
		SettingGuildLoggingEnabled,
		fmt.Sprintf("%t", enabled),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error updating logging setting", tint.Err(err))
		return respondEphemeral(r, i, DefaultDiscordErrorMessage)
	}

	logger.InfoContext(
		ctx,
		"updated guild logging setting",
		"guild_id", i.GuildID,
		"enabled", enabled,
	)
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return respondEphemeral(
		r, i, fmt.Sprintf("Message logging is now **%s** for this guild.", state),
	)
}

// handleCommandStats responds with the synced row counts for the guild
// the command was invoked in.
func handleCommandStats(
	ctx context.Context,
	r *Red,
	i *discordgo.InteractionCreate,
) error {
	logger, _ := ContextLogger(ctx)

	if i.GuildID == "" {
		return respondEphemeral(r, i, "This command only works in a guild.")
	}

	counts, err := r.guildDirectoryCounts(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error counting directory rows", tint.Err(err))
		return respondEphemeral(r, i, DefaultDiscordErrorMessage)
	}

	embed := &discordgo.MessageEmbed{
		Title: "Directory stats",
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Channels",
				Value:  fmt.Sprintf("%d", counts.Channels),
				Inline: true,
			},
			{
				Name:   "Roles",
				Value:  fmt.Sprintf("%d", counts.Roles),
				Inline: true,
			},
			{
				Name:   "Members",
				Value:  fmt.Sprintf("%d", counts.Members),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: strings.TrimSpace(
				fmt.Sprintf("Red %s / up %s", Version, r.uptime().Round(time.Second)),
			),
		},
	}

	return r.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags:  discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
}

func respondEphemeral(
	r *Red,
	i *discordgo.InteractionCreate,
	content string,
) error {
	return r.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags:   discordgo.MessageFlagsEphemeral,
				Content: truncate(content, discordMaxMessageLength),
			},
		},
	)
}
