package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalWriteAndReplay(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	now := day1
	j, err := NewJournalSink(dir, func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, j.Write(ctx, Event{ID: "evt_1", Type: FeatureExpired, Timestamp: day1, Payload: map[string]any{"count": 2.0}}))
	require.NoError(t, j.Write(ctx, Event{ID: "evt_2", Type: FeatureUpdated, Timestamp: day1}))

	now = day1.Add(2 * time.Minute)
	require.NoError(t, j.Write(ctx, Event{ID: "evt_3", Type: FeatureExpired, Timestamp: now}))
	require.NoError(t, j.Close())

	first, err := Replay(JournalPath(dir, day1))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "evt_1", first[0].ID)
	assert.Equal(t, 2.0, first[0].Payload["count"])

	second, err := Replay(JournalPath(dir, now))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "evt_3", second[0].ID)

	assert.ErrorIs(t, j.Write(ctx, Event{ID: "evt_4"}), os.ErrClosed)
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := JournalPath(dir, time.Now())
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{\"event_id\":\"evt_1\",\"type\":\"x\"}\n"), 0o644))

	got, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt_1", got[0].ID)

	missing, err := Replay(JournalPath(t.TempDir(), time.Now()))
	assert.NoError(t, err)
	assert.Empty(t, missing)
}
