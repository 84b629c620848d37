package red

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDirectoryProvider implements DirectoryProvider from fixed data,
// optionally failing member fetches a set number of times per guild.
type stubDirectoryProvider struct {
	mu sync.Mutex

	guilds  []GuildSnapshot
	members map[string][]MemberSnapshot

	// memberFetchFailures[guildID] is decremented on each GuildMembers
	// call; while positive, the call fails
	memberFetchFailures map[string]int

	memberFetchCalls map[string]int
}

var errStubMemberFetch = errors.New("member fetch unavailable")

func (s *stubDirectoryProvider) GuildSnapshots(context.Context) ([]GuildSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guilds, nil
}

func (s *stubDirectoryProvider) GuildMembers(
	_ context.Context,
	guildID string,
) ([]MemberSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberFetchCalls == nil {
		s.memberFetchCalls = map[string]int{}
	}
	s.memberFetchCalls[guildID]++
	if s.memberFetchFailures[guildID] > 0 {
		s.memberFetchFailures[guildID]--
		return nil, errStubMemberFetch
	}
	return s.members[guildID], nil
}

func newTestSyncer(
	t testing.TB,
	provider DirectoryProvider,
	policy NamePolicy,
) (*DirectorySyncer, DBI) {
	t.Helper()
	writeDB, _ := newTestWriteDB(t)
	cfg := DefaultConfig().Sync
	cfg.NamePolicy = policy
	cfg.MemberFetchBackoff = time.Millisecond
	return NewDirectorySyncer(writeDB, provider, cfg, testLogger(t)), writeDB
}

func TestSyncAllInsertsDirectory(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{
			{
				ID:       "G1",
				Name:     "Alpha",
				Channels: []ChannelSnapshot{{ID: "C1", Name: "general"}},
			},
		},
		members: map[string][]MemberSnapshot{
			"G1": {{UserID: "U1", Username: "alice"}},
		},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyIgnore)

	counts, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(
		t,
		SyncCounts{Guilds: 1, Channels: 1, Roles: 0, Members: 1},
		counts,
	)

	db := writeDB.DB()

	var guild Guild
	require.NoError(t, db.First(&guild, "id = ?", "G1").Error)
	assert.Equal(t, "Alpha", guild.Name)

	var channel Channel
	require.NoError(t, db.First(&channel, "id = ?", "C1").Error)
	assert.Equal(t, "G1", channel.GuildID)
	assert.Equal(t, "general", channel.Name)

	var member Member
	require.NoError(
		t,
		db.First(&member, "guild_id = ? AND user_id = ?", "G1", "U1").Error,
	)
	assert.Equal(t, "alice", member.Username)
}

func TestSyncAllIdempotent(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{
			{
				ID:   "G1",
				Name: "Alpha",
				Channels: []ChannelSnapshot{
					{ID: "C1", Name: "general"},
					{ID: "C2", Name: "random"},
				},
				Roles: []RoleSnapshot{{ID: "R1", Name: "admin"}},
			},
		},
		members: map[string][]MemberSnapshot{
			"G1": {
				{UserID: "U1", Username: "alice"},
				{UserID: "U2", Username: "bob"},
			},
		},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyIgnore)
	ctx := context.Background()

	counts, err := syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(
		t,
		SyncCounts{Guilds: 1, Channels: 2, Roles: 1, Members: 2},
		counts,
	)

	// everything already exists, so nothing counts as inserted
	counts, err = syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncCounts{}, counts)

	var channelCount int64
	require.NoError(
		t,
		writeDB.DB().Model(&Channel{}).Count(&channelCount).Error,
	)
	assert.Equal(t, int64(2), channelCount)
}

func TestSyncGuildCountsOnlyNewRows(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{
			{
				ID:       "G1",
				Name:     "Alpha",
				Channels: []ChannelSnapshot{{ID: "C1", Name: "general"}},
			},
		},
		members: map[string][]MemberSnapshot{
			"G1": {{UserID: "U1", Username: "alice"}},
		},
	}
	syncer, _ := newTestSyncer(t, provider, NamePolicyIgnore)
	ctx := context.Background()

	_, err := syncer.SyncAll(ctx)
	require.NoError(t, err)

	// a channel was created since the last pass
	provider.mu.Lock()
	provider.guilds[0].Channels = append(
		provider.guilds[0].Channels,
		ChannelSnapshot{ID: "C2", Name: "random"},
	)
	provider.mu.Unlock()

	counts, err := syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncCounts{Channels: 1}, counts)
}

func TestSyncMemberFetchFailureRollsBackGuild(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{
			{
				ID:       "G1",
				Name:     "Alpha",
				Channels: []ChannelSnapshot{{ID: "C1", Name: "general"}},
			},
			{
				ID:       "G2",
				Name:     "Beta",
				Channels: []ChannelSnapshot{{ID: "C2", Name: "lounge"}},
				Roles:    []RoleSnapshot{{ID: "R2", Name: "mod"}},
			},
		},
		members: map[string][]MemberSnapshot{
			"G1": {{UserID: "U1", Username: "alice"}},
		},
		// fails more times than the syncer retries
		memberFetchFailures: map[string]int{"G2": 100},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyIgnore)

	counts, err := syncer.SyncAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errStubMemberFetch)

	// the failed guild doesn't affect the successful one
	assert.Equal(
		t,
		SyncCounts{Guilds: 1, Channels: 1, Members: 1},
		counts,
	)

	db := writeDB.DB()

	var g1Count int64
	require.NoError(
		t, db.Model(&Guild{}).Where("id = ?", "G1").Count(&g1Count).Error,
	)
	assert.Equal(t, int64(1), g1Count)

	// no partial rows for the failed guild: its guild, channel and role
	// inserts all rolled back with the member fetch failure
	var g2Count int64
	require.NoError(
		t, db.Model(&Guild{}).Where("id = ?", "G2").Count(&g2Count).Error,
	)
	assert.Equal(t, int64(0), g2Count)

	var c2Count int64
	require.NoError(
		t, db.Model(&Channel{}).Where("id = ?", "C2").Count(&c2Count).Error,
	)
	assert.Equal(t, int64(0), c2Count)

	var r2Count int64
	require.NoError(
		t, db.Model(&Role{}).Where("id = ?", "R2").Count(&r2Count).Error,
	)
	assert.Equal(t, int64(0), r2Count)
}

func TestSyncMemberFetchRetries(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{{ID: "G1", Name: "Alpha"}},
		members: map[string][]MemberSnapshot{
			"G1": {{UserID: "U1", Username: "alice"}},
		},
		// fails twice, succeeds on the third attempt
		memberFetchFailures: map[string]int{"G1": 2},
	}
	syncer, _ := newTestSyncer(t, provider, NamePolicyIgnore)

	counts, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncCounts{Guilds: 1, Members: 1}, counts)
	assert.Equal(t, 3, provider.memberFetchCalls["G1"])
}

func TestSyncNamePolicyIgnore(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds:  []GuildSnapshot{{ID: "G1", Name: "Alpha"}},
		members: map[string][]MemberSnapshot{},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyIgnore)
	ctx := context.Background()

	_, err := syncer.SyncAll(ctx)
	require.NoError(t, err)

	// guild renamed upstream
	provider.mu.Lock()
	provider.guilds[0].Name = "Alpha Prime"
	provider.mu.Unlock()

	counts, err := syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncCounts{}, counts)

	var guild Guild
	require.NoError(t, writeDB.DB().First(&guild, "id = ?", "G1").Error)
	assert.Equal(t, "Alpha", guild.Name, "first observed name should win")
}

func TestSyncNamePolicyUpdate(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{
			{
				ID:       "G1",
				Name:     "Alpha",
				Channels: []ChannelSnapshot{{ID: "C1", Name: "general"}},
			},
		},
		members: map[string][]MemberSnapshot{
			"G1": {{UserID: "U1", Username: "alice"}},
		},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyUpdate)
	ctx := context.Background()

	_, err := syncer.SyncAll(ctx)
	require.NoError(t, err)

	provider.mu.Lock()
	provider.guilds[0].Name = "Alpha Prime"
	provider.guilds[0].Channels[0].Name = "general-chat"
	provider.members["G1"][0].Username = "alice2"
	provider.mu.Unlock()

	// renames propagate, but still don't count as inserts
	counts, err := syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncCounts{}, counts)

	db := writeDB.DB()

	var guild Guild
	require.NoError(t, db.First(&guild, "id = ?", "G1").Error)
	assert.Equal(t, "Alpha Prime", guild.Name)

	var channel Channel
	require.NoError(t, db.First(&channel, "id = ?", "C1").Error)
	assert.Equal(t, "general-chat", channel.Name)

	var member Member
	require.NoError(
		t,
		db.First(&member, "guild_id = ? AND user_id = ?", "G1", "U1").Error,
	)
	assert.Equal(t, "alice2", member.Username)
}

func TestSyncSameUserAcrossGuilds(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		guilds: []GuildSnapshot{
			{ID: "G1", Name: "Alpha"},
			{ID: "G2", Name: "Beta"},
		},
		members: map[string][]MemberSnapshot{
			"G1": {{UserID: "U1", Username: "alice"}},
			"G2": {{UserID: "U1", Username: "alice"}},
		},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyIgnore)

	counts, err := syncer.SyncAll(context.Background())
	require.NoError(t, err)

	// membership is per-guild: the same user is a distinct row in each
	assert.Equal(t, int64(2), counts.Members)

	var memberCount int64
	require.NoError(
		t,
		writeDB.DB().Model(&Member{}).Where(
			"user_id = ?", "U1",
		).Count(&memberCount).Error,
	)
	assert.Equal(t, int64(2), memberCount)
}

func TestSyncGuildScoped(t *testing.T) {
	t.Parallel()
	provider := &stubDirectoryProvider{
		members: map[string][]MemberSnapshot{
			"G9": {{UserID: "U9", Username: "zed"}},
		},
	}
	syncer, writeDB := newTestSyncer(t, provider, NamePolicyIgnore)

	// a guild-join sync only touches the joined guild
	counts, err := syncer.SyncGuild(
		context.Background(), GuildSnapshot{
			ID:    "G9",
			Name:  "Gamma",
			Roles: []RoleSnapshot{{ID: "R9", Name: "everyone"}},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, SyncCounts{Guilds: 1, Roles: 1, Members: 1}, counts)

	var guildCount int64
	require.NoError(t, writeDB.DB().Model(&Guild{}).Count(&guildCount).Error)
	assert.Equal(t, int64(1), guildCount)
}
