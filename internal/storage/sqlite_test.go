package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/segloop/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "segloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage_GetSetRemove(t *testing.T) {
	s := newTestStorage(t)

	_, ok, err := s.Get("run/checkpoint")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("run/checkpoint", []byte(`{"a":1}`)))
	value, ok, err := s.Get("run/checkpoint")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(value))

	require.NoError(t, s.Set("run/checkpoint", []byte(`{"a":2}`)))
	value, _, err = s.Get("run/checkpoint")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(value))

	require.NoError(t, s.Remove("run/checkpoint"))
	_, ok, err = s.Get("run/checkpoint")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Remove("missing"))
}

func TestStorage_Keys(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.Set("presets/b", []byte("x")))
	require.NoError(t, s.Set("presets/a", []byte("x")))
	require.NoError(t, s.Set("config/last", []byte("x")))

	keys, err := s.Keys("presets/")
	require.NoError(t, err)
	assert.Equal(t, []string{"presets/a", "presets/b"}, keys)
}

func TestStorage_RunHistory(t *testing.T) {
	s := newTestStorage(t)

	run := &models.RunRecord{ID: "run-1", PlanName: "demo", Status: models.RunStatusRunning, SegmentCount: 3}
	require.NoError(t, s.CreateRun(run))

	now := time.Now()
	run.Status = models.RunStatusComplete
	run.DoneCount = 3
	run.CompletedAt = &now
	require.NoError(t, s.UpdateRun(run))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, got.Status)
	assert.Equal(t, 3, got.DoneCount)
	assert.NotNil(t, got.CompletedAt)

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.NoError(t, s.DeleteRun("run-1"))
	runs, err = s.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", FormatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", FormatTimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatTimeAgo(time.Now().Add(-3*time.Hour-time.Second)))
}
