package presets

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/segloop/internal/models"
	"github.com/mpataki/segloop/internal/storage"
)

func newPresets(t *testing.T) (*Presets, *storage.Storage) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestPresets_SaveLoadListDelete(t *testing.T) {
	p, _ := newPresets(t)

	fast := models.DefaultRunConfig()
	fast.MaxDelay = 2
	fast.InitialImage = []byte("seed")
	careful := models.DefaultRunConfig()
	careful.PauseOnModeration = true
	careful.Timeout = time.Minute

	require.NoError(t, p.Save("fast", fast))
	require.NoError(t, p.Save("careful", careful))

	names, err := p.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"careful", "fast"}, names)

	loaded, err := p.Load("fast")
	require.NoError(t, err)
	assert.Equal(t, 2.0, loaded.MaxDelay)
	assert.Nil(t, loaded.InitialImage, "seed images are not saved with presets")

	loaded, err = p.Load("careful")
	require.NoError(t, err)
	assert.True(t, loaded.PauseOnModeration)
	assert.Equal(t, time.Minute, loaded.Timeout)

	require.NoError(t, p.Delete("fast"))
	_, err = p.Load("fast")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, p.Delete("fast"), ErrNotFound)
}

func TestPresets_SaveRejectsBadInput(t *testing.T) {
	p, _ := newPresets(t)

	assert.Error(t, p.Save("  ", models.DefaultRunConfig()))

	bad := models.DefaultRunConfig()
	bad.ModerationRetryLimit = 99
	assert.Error(t, p.Save("bad", bad))
}

func TestPresets_LastConfig(t *testing.T) {
	p, store := newPresets(t)

	cfg, err := p.LoadLast()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRunConfig(), cfg)

	cfg.AutoSkip = true
	require.NoError(t, p.SaveLast(cfg))

	loaded, err := p.LoadLast()
	require.NoError(t, err)
	assert.True(t, loaded.AutoSkip)

	// Older entries without newer fields fall back to defaults.
	require.NoError(t, store.Set(LastConfigKey, []byte(`{"auto_skip":true}`)))
	loaded, err = p.LoadLast()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxDelay, loaded.MaxDelay)
}
