package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoreLoadAbsentFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing", "ops.json"), zaptest.NewLogger(t))
	ops, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ops.json")
	s := NewStore(path, zaptest.NewLogger(t))

	now := time.Now().Truncate(time.Millisecond)
	in := map[string]Operation{
		"op-1": {
			ID:           "op-1",
			Kind:         KindSendMessage,
			State:        StateAwaitingMilestone,
			CreatedAt:    now,
			UpdatedAt:    now,
			OwningPeerID: "peer-1",
			TabID:        3,
			Milestones:   []Milestone{{Name: MilestoneMessageSent, At: now}},
		},
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := out["op-1"]
	require.Equal(t, KindSendMessage, got.Kind)
	require.Equal(t, StateAwaitingMilestone, got.State)
	require.Equal(t, 3, got.TabID)
	require.Len(t, got.Milestones, 1)
}

func TestStoreMalformedFileRenamedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(path, []byte("{definitely not json"), 0o600))

	s := NewStore(path, zaptest.NewLogger(t))
	ops, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, ops)

	// The bad file moved aside rather than being destroyed.
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
	matches, _ := filepath.Glob(path + ".corrupt-*")
	require.Len(t, matches, 1)

	// A save afterwards works normally.
	require.NoError(t, s.Save(map[string]Operation{}))
	reloaded, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, reloaded)
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "ops.json"), zaptest.NewLogger(t))
	require.NoError(t, s.Save(map[string]Operation{"a": {ID: "a", Kind: KindGetResponse, State: StateCompleted}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ops.json", entries[0].Name())
}
