package playback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nekobeat/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(context.Background(), filepath.Join(t.TempDir(), "datastore.json"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIncrementAndCount(t *testing.T) {
	f := NewFailureTracker(newTestStore(t))

	assert.Equal(t, 0, f.Count("vid"))
	assert.Equal(t, 1, f.Increment("vid"))
	assert.Equal(t, 2, f.Increment("vid"))
	assert.Equal(t, 2, f.Count("vid"))

	// Counts are per video.
	assert.Equal(t, 0, f.Count("other"))
}

func TestClear(t *testing.T) {
	f := NewFailureTracker(newTestStore(t))

	f.Increment("vid")
	f.Increment("vid")
	f.Clear("vid")
	assert.Equal(t, 0, f.Count("vid"))
}

func TestCountSurvivesRestart(t *testing.T) {
	st := newTestStore(t)

	first := NewFailureTracker(st)
	first.Increment("vid")
	first.Increment("vid")

	// A fresh tracker over the same store sees the mirrored count.
	second := NewFailureTracker(st)
	assert.Equal(t, 2, second.Count("vid"))
}

func TestExpiredRecordIgnored(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Set(failureKeyPrefix+"vid", failureRecord{
		Count:     5,
		ExpiresAt: time.Now().Add(-time.Minute),
	}, 0))

	f := NewFailureTracker(st)
	assert.Equal(t, 0, f.Count("vid"))
}

func TestForceRelay(t *testing.T) {
	f := NewFailureTracker(newTestStore(t))

	assert.False(t, f.IsForcedRelay("vid"))
	require.NoError(t, f.ForceRelay("vid"))
	assert.True(t, f.IsForcedRelay("vid"))
	assert.False(t, f.IsForcedRelay("other"))
}
