package red

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NamePolicy selects what the synchronizer does when an entity it's
// inserting already exists under the same key with a different name.
type NamePolicy string

const (
	// NamePolicyIgnore keeps the name observed at first insertion.
	// This mirrors plain insert-or-ignore semantics: renames on the
	// Discord side are never propagated to the store.
	NamePolicyIgnore NamePolicy = "ignore"

	// NamePolicyUpdate propagates renames: when the key already exists,
	// the stored name is overwritten with the snapshot's name. Updated
	// rows are not counted as inserts.
	NamePolicyUpdate NamePolicy = "update"
)

// GuildSnapshot is one guild's entry in a directory snapshot: its
// identity plus the channel and role collections the provider already
// has on hand. The (potentially expensive) member list is fetched
// separately via [DirectoryProvider.GuildMembers].
type GuildSnapshot struct {
	ID       string
	Name     string
	Channels []ChannelSnapshot
	Roles    []RoleSnapshot
}

func (g GuildSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", g.ID),
		slog.String("name", g.Name),
		slog.Int("channels", len(g.Channels)),
		slog.Int("roles", len(g.Roles)),
	)
}

type ChannelSnapshot struct {
	ID   string
	Name string
}

type RoleSnapshot struct {
	ID   string
	Name string
}

type MemberSnapshot struct {
	UserID   string
	Username string
}

// DirectoryProvider supplies the current directory snapshot: the guilds
// the bot is currently a member of, and per-guild member lists.
// [discordDirectoryProvider] implements this against the live gateway
// session; tests use stub implementations.
type DirectoryProvider interface {
	// GuildSnapshots returns every currently-joined guild, with its
	// channel and role collections populated.
	GuildSnapshots(ctx context.Context) ([]GuildSnapshot, error)

	// GuildMembers returns the full member list of the given guild. This
	// may be a slow, rate-limited network operation for large guilds.
	GuildMembers(ctx context.Context, guildID string) ([]MemberSnapshot, error)
}

// SyncCounts reports the number of rows a sync pass actually inserted,
// per category. Duplicate keys that were ignored don't count. The counts
// are for observability only - nothing branches on them.
type SyncCounts struct {
	Guilds   int64 `json:"guilds"`
	Channels int64 `json:"channels"`
	Roles    int64 `json:"roles"`
	Members  int64 `json:"members"`
}

func (c *SyncCounts) add(o SyncCounts) {
	c.Guilds += o.Guilds
	c.Channels += o.Channels
	c.Roles += o.Roles
	c.Members += o.Members
}

func (c SyncCounts) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("guilds", c.Guilds),
		slog.Int64("channels", c.Channels),
		slog.Int64("roles", c.Roles),
		slog.Int64("members", c.Members),
	)
}

// DirectorySyncer walks directory snapshots and upserts rows into the
// schema. Each guild is synchronized inside its own transaction, so one
// guild's failure never rolls back another's committed rows. Passes are
// serialized with a mutex: a guild-join sync arriving while the startup
// sync is still running waits its turn instead of racing it.
type DirectorySyncer struct {
	db       DBI
	provider DirectoryProvider
	logger   *slog.Logger
	policy   NamePolicy

	memberFetchRetries int
	memberFetchBackoff time.Duration
	guildTimeout       time.Duration

	// serializes sync passes
	mu sync.Mutex
}

// NewDirectorySyncer initializes a DirectorySyncer with the given storage
// handle, snapshot provider and configuration.
func NewDirectorySyncer(
	db DBI,
	provider DirectoryProvider,
	cfg *SyncConfig,
	logger *slog.Logger,
) *DirectorySyncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig().Sync
	}
	policy := cfg.NamePolicy
	if policy == "" {
		policy = NamePolicyIgnore
	}
	retries := cfg.MemberFetchRetries
	if retries < 1 {
		retries = 1
	}
	guildTimeout := cfg.GuildTimeout
	if guildTimeout <= 0 {
		guildTimeout = DefaultSyncGuildTimeout
	}
	return &DirectorySyncer{
		db:                 db,
		provider:           provider,
		logger:             logger.With(loggerNameKey, "directory_sync"),
		policy:             policy,
		memberFetchRetries: retries,
		memberFetchBackoff: cfg.MemberFetchBackoff,
		guildTimeout:       guildTimeout,
	}
}

// SyncAll synchronizes every guild in the provider's current snapshot.
// A failure in one guild's pass is logged and the run continues with the
// next guild; the failed guild is retried on the next trigger (the next
// guild-join event, or the next restart). The returned counts cover the
// guilds that committed, and the returned error joins the per-guild
// failures, if any.
func (s *DirectorySyncer) SyncAll(ctx context.Context) (SyncCounts, error) {
	ctx, logger := s.syncLogger(ctx)

	var total SyncCounts

	guilds, err := s.provider.GuildSnapshots(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild snapshots", tint.Err(err))
		return total, err
	}

	started := time.Now()
	logger.InfoContext(ctx, "starting directory sync", "guild_count", len(guilds))

	var errs []error
	for _, g := range guilds {
		counts, syncErr := s.SyncGuild(ctx, g)
		if syncErr != nil {
			logger.ErrorContext(
				ctx,
				"guild sync failed, continuing with next guild",
				"guild", g,
				tint.Err(syncErr),
			)
			errs = append(errs, fmt.Errorf("guild %s: %w", g.ID, syncErr))
			continue
		}
		total.add(counts)
	}

	logger.InfoContext(
		ctx,
		"directory sync finished",
		"elapsed", time.Since(started),
		"guild_count", len(guilds),
		"failed", len(errs),
		"inserted", total,
	)

	return total, errors.Join(errs...)
}

// SyncGuild synchronizes a single guild inside one transaction:
// insert-or-ignore the guild row, then its channels, roles, and finally
// the fetched member list. If any step fails - including the member
// fetch - the whole guild's pass rolls back, leaving no partial rows.
func (s *DirectorySyncer) SyncGuild(
	ctx context.Context,
	g GuildSnapshot,
) (SyncCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, logger := s.syncLogger(ctx)

	ctx, cancel := context.WithTimeout(ctx, s.guildTimeout)
	defer cancel()

	var counts SyncCounts
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var txErr error
			counts, txErr = s.syncGuildTx(ctx, tx, g)
			return txErr
		},
	)
	if err != nil {
		return SyncCounts{}, err
	}

	logger.InfoContext(ctx, "synced guild", "guild", g, "inserted", counts)
	return counts, nil
}

// syncGuildTx runs one guild's pass inside an open transaction. Insert
// order is guild, channels, roles, members, so child rows never precede
// their guild row.
func (s *DirectorySyncer) syncGuildTx(
	ctx context.Context,
	tx *gorm.DB,
	g GuildSnapshot,
) (SyncCounts, error) {
	var counts SyncCounts

	inserted, err := s.insertGuild(tx, g)
	if err != nil {
		return counts, fmt.Errorf("error inserting guild: %w", err)
	}
	counts.Guilds += inserted

	for _, c := range g.Channels {
		inserted, err = s.insertChannel(tx, g.ID, c)
		if err != nil {
			return counts, fmt.Errorf("error inserting channel %s: %w", c.ID, err)
		}
		counts.Channels += inserted
	}

	for _, r := range g.Roles {
		inserted, err = s.insertRole(tx, g.ID, r)
		if err != nil {
			return counts, fmt.Errorf("error inserting role %s: %w", r.ID, err)
		}
		counts.Roles += inserted
	}

	members, err := s.fetchMembers(ctx, g.ID)
	if err != nil {
		return counts, fmt.Errorf("error fetching members: %w", err)
	}

	for _, m := range members {
		inserted, err = s.insertMember(tx, g.ID, m)
		if err != nil {
			return counts, fmt.Errorf(
				"error inserting member %s: %w", m.UserID, err,
			)
		}
		counts.Members += inserted
	}

	return counts, nil
}

// fetchMembers retrieves the guild's full member list, retrying transient
// failures with a linear backoff. Member fetches are the most likely spot
// for rate-limit errors, so they get retried where plain inserts don't.
func (s *DirectorySyncer) fetchMembers(
	ctx context.Context,
	guildID string,
) ([]MemberSnapshot, error) {
	var errs []error
	for attempt := 1; attempt <= s.memberFetchRetries; attempt++ {
		members, err := s.provider.GuildMembers(ctx, guildID)
		if err == nil {
			return members, nil
		}
		errs = append(errs, err)
		s.logger.WarnContext(
			ctx,
			"member fetch failed",
			"guild_id", guildID,
			"attempt", attempt,
			"max_attempts", s.memberFetchRetries,
			tint.Err(err),
		)
		if attempt == s.memberFetchRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(append(errs, ctx.Err())...)
		case <-time.After(s.memberFetchBackoff * time.Duration(attempt)):
		}
	}
	return nil, errors.Join(errs...)
}

// insertIgnore inserts the value, silently no-op'ing on a primary key
// conflict. The returned count is 1 only when a row was actually created -
// this is the idempotence mechanism the whole synchronizer leans on.
func insertIgnore(tx *gorm.DB, value any) (int64, error) {
	rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(value)
	return rv.RowsAffected, rv.Error
}

func (s *DirectorySyncer) insertGuild(tx *gorm.DB, g GuildSnapshot) (int64, error) {
	inserted, err := insertIgnore(tx, &Guild{ID: g.ID, Name: g.Name})
	if err != nil {
		return 0, err
	}
	if inserted == 0 && s.policy == NamePolicyUpdate {
		err = tx.Model(&Guild{}).Where("id = ?", g.ID).
			Update("name", g.Name).Error
	}
	return inserted, err
}

func (s *DirectorySyncer) insertChannel(
	tx *gorm.DB,
	guildID string,
	c ChannelSnapshot,
) (int64, error) {
	inserted, err := insertIgnore(
		tx, &Channel{ID: c.ID, GuildID: guildID, Name: c.Name},
	)
	if err != nil {
		return 0, err
	}
	if inserted == 0 && s.policy == NamePolicyUpdate {
		err = tx.Model(&Channel{}).Where("id = ?", c.ID).
			Update("name", c.Name).Error
	}
	return inserted, err
}

func (s *DirectorySyncer) insertRole(
	tx *gorm.DB,
	guildID string,
	r RoleSnapshot,
) (int64, error) {
	inserted, err := insertIgnore(
		tx, &Role{ID: r.ID, GuildID: guildID, Name: r.Name},
	)
	if err != nil {
		return 0, err
	}
	if inserted == 0 && s.policy == NamePolicyUpdate {
		err = tx.Model(&Role{}).Where("id = ?", r.ID).
			Update("name", r.Name).Error
	}
	return inserted, err
}

func (s *DirectorySyncer) insertMember(
	tx *gorm.DB,
	guildID string,
	m MemberSnapshot,
) (int64, error) {
	inserted, err := insertIgnore(
		tx, &Member{GuildID: guildID, UserID: m.UserID, Username: m.Username},
	)
	if err != nil {
		return 0, err
	}
	if inserted == 0 && s.policy == NamePolicyUpdate {
		err = tx.Model(&Member{}).Where(
			"guild_id = ? AND user_id = ?", guildID, m.UserID,
		).Update("username", m.Username).Error
	}
	return inserted, err
}

func (s *DirectorySyncer) syncLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = s.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}
