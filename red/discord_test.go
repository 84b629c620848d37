package red

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildSnapshotFromState(t *testing.T) {
	t.Parallel()
	g := &discordgo.Guild{
		ID:   "G1",
		Name: "Alpha",
		Channels: []*discordgo.Channel{
			{ID: "C1", Name: "general"},
			{ID: "C2", Name: "random"},
		},
		Roles: []*discordgo.Role{
			{ID: "R1", Name: "admin"},
		},
	}

	snapshot := guildSnapshotFromState(g)
	assert.Equal(t, "G1", snapshot.ID)
	assert.Equal(t, "Alpha", snapshot.Name)
	require.Len(t, snapshot.Channels, 2)
	assert.Equal(t, ChannelSnapshot{ID: "C1", Name: "general"}, snapshot.Channels[0])
	require.Len(t, snapshot.Roles, 1)
	assert.Equal(t, RoleSnapshot{ID: "R1", Name: "admin"}, snapshot.Roles[0])
}

func TestDirectoryProviderSkipsUnavailableGuilds(t *testing.T) {
	t.Parallel()
	session := &mockSessionHandler{
		stateGuilds: []*discordgo.Guild{
			{ID: "G1", Name: "Alpha"},
			{ID: "G2", Name: "", Unavailable: true},
		},
	}
	provider := newDiscordDirectoryProvider(session, DefaultConfig().Sync)

	snapshots, err := provider.GuildSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "G1", snapshots[0].ID)
}

// pagingSessionHandler serves member pages honoring the after/limit
// cursor, to exercise the provider's pagination loop.
type pagingSessionHandler struct {
	mockSessionHandler
	allMembers []*discordgo.Member
	pageCalls  int
}

func (p *pagingSessionHandler) GuildMembers(
	_ string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	p.pageCalls++
	start := 0
	if after != "" {
		for i, m := range p.allMembers {
			if m.User.ID == after {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(p.allMembers) {
		end = len(p.allMembers)
	}
	return p.allMembers[start:end], nil
}

func TestDirectoryProviderMemberPagination(t *testing.T) {
	t.Parallel()
	session := &pagingSessionHandler{
		allMembers: []*discordgo.Member{
			{User: &discordgo.User{ID: "U1", Username: "alice"}},
			{User: &discordgo.User{ID: "U2", Username: "bob"}},
			{User: &discordgo.User{ID: "U3", Username: "carol"}},
			{User: &discordgo.User{ID: "U4", Username: "dave"}},
			{User: &discordgo.User{ID: "U5", Username: "erin"}},
		},
	}
	cfg := DefaultConfig().Sync
	cfg.MemberPageSize = 2
	cfg.MemberRequestsPerSecond = 1000
	provider := newDiscordDirectoryProvider(session, cfg)

	members, err := provider.GuildMembers(context.Background(), "G1")
	require.NoError(t, err)
	require.Len(t, members, 5)
	assert.Equal(t, "U1", members[0].UserID)
	assert.Equal(t, "U5", members[4].UserID)
	assert.Equal(t, "erin", members[4].Username)

	// 2+2+1: the short final page ends the loop
	assert.Equal(t, 3, session.pageCalls)
}

func TestNewDiscordNilConfig(t *testing.T) {
	t.Parallel()
	_, err := newDiscord(nil)
	assert.Error(t, err)
}
