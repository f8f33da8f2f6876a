package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	snap := Snapshot{
		AgentID:        "a1b2c3",
		Project:        "api",
		SessionName:    "forge__api__a1b2c3",
		WorktreePath:   "/srv/api/.worktrees/a1b2c3",
		BranchName:     "forge/a1b2c3/fix-login",
		Status:         "working",
		Task:           "fix the login bug",
		CreatedAt:      now,
		LastActivity:   now,
		LastOutput:     "compiling...",
		NeedsAttention: true,
		Parked:         true,
		LastResponse:   "done earlier",
		LastUserMsg:    "please fix login",
		Profile:        "reviewer",
	}
	require.NoError(t, s.SaveSnapshot(snap))

	got, ok, err := s.Snapshot("a1b2c3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Project, got.Project)
	assert.Equal(t, snap.SessionName, got.SessionName)
	assert.Equal(t, snap.Status, got.Status)
	assert.Equal(t, snap.Task, got.Task)
	assert.True(t, got.NeedsAttention)
	assert.True(t, got.Parked)
	assert.Equal(t, snap.LastResponse, got.LastResponse)
	assert.Equal(t, snap.LastUserMsg, got.LastUserMsg)
	assert.Equal(t, snap.Profile, got.Profile)
	assert.Equal(t, now, got.CreatedAt)
}

func TestSnapshotTruncatesOutput(t *testing.T) {
	s := openTestStore(t)

	long := strings.Repeat("x", 12000)
	require.NoError(t, s.SaveSnapshot(Snapshot{
		AgentID: "a1b2c3", Project: "api", SessionName: "s", WorktreePath: "w",
		BranchName: "b", Status: "idle", LastOutput: long,
		CreatedAt: time.Now(), LastActivity: time.Now(),
	}))

	got, ok, err := s.Snapshot("a1b2c3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.LastOutput, 5000)
}

func TestSnapshotUpsertAndDelete(t *testing.T) {
	s := openTestStore(t)

	base := Snapshot{
		AgentID: "a1b2c3", Project: "api", SessionName: "s", WorktreePath: "w",
		BranchName: "b", Status: "starting", CreatedAt: time.Now(), LastActivity: time.Now(),
	}
	require.NoError(t, s.SaveSnapshot(base))

	base.Status = "idle"
	require.NoError(t, s.SaveSnapshot(base))

	snaps, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "idle", snaps[0].Status)

	require.NoError(t, s.DeleteSnapshot("a1b2c3"))
	_, ok, err := s.Snapshot("a1b2c3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordEvent("a1b2c3", "api", "spawned", map[string]string{"task": "fix"}))
	require.NoError(t, s.RecordEvent("a1b2c3", "api", "status_change", map[string]string{"to": "idle"}))
	require.NoError(t, s.RecordEvent("d4e5f6", "web", "spawned", nil))

	all, err := s.Events(EventFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "spawned", all[0].Type)
	assert.Equal(t, "d4e5f6", all[0].AgentID)

	byAgent, err := s.Events(EventFilter{AgentID: "a1b2c3"}, 10)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byType, err := s.Events(EventFilter{Type: "spawned"}, 10)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := s.Events(EventFilter{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestKnownChats(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RememberChat(KnownChat{Connector: "telegram", ChatID: "123", Title: "Dev Chat", Kind: "group"}))
	require.NoError(t, s.RememberChat(KnownChat{Connector: "telegram", ChatID: "123", Title: "Dev Chat Renamed", Kind: "group"}))
	require.NoError(t, s.RememberChat(KnownChat{Connector: "discord", ChatID: "999", Kind: "direct"}))

	all, err := s.KnownChats("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tg, err := s.KnownChats("telegram")
	require.NoError(t, err)
	require.Len(t, tg, 1)
	assert.Equal(t, "Dev Chat Renamed", tg[0].Title)
}
