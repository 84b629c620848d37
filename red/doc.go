// Package red implements Red, a Discord bot that mirrors the directory of
// every guild it belongs to (guilds, channels, roles and members) into a
// local relational store, and answers a small set of slash and text
// commands.
//
// Key components of the package include:
//
//   - Red: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the Discord gateway session and event handlers.
//   - DirectorySyncer: Walks guild/channel/role/member snapshots and
//     upserts rows into the schema, one transaction per guild.
//   - DBI: Database access, wrapping GORM with single-writer protection
//     for SQLite.
//   - CommandRegistry: An explicit name-to-handler mapping for slash
//     commands.
//
// The bot supports the commands:
//
//   - /ping: Round-trip latency to the Discord API.
//   - /logging: Enable or disable per-guild message logging.
//   - /stats: Directory row counts for the invoking guild.
//   - !ping: Text-command equivalent of /ping.
//
// Rows are only ever inserted by the synchronizer; nothing is deleted when
// a guild or channel goes away. Re-running a sync against an unchanged
// directory inserts nothing, which makes interrupted or repeated passes
// safe.
package red
