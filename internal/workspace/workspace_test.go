package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/segloop/internal/models"
)

type fakeFetcher struct {
	data map[models.ResultHandle][]byte
}

func (f *fakeFetcher) FetchResult(ctx context.Context, handle models.ResultHandle) ([]byte, error) {
	data, ok := f.data[handle]
	if !ok {
		return nil, errors.New("gone")
	}
	return data, nil
}

func TestCreateAndOpen(t *testing.T) {
	base := t.TempDir()

	_, err := Open(base, "r1")
	assert.Error(t, err)

	w, err := Create(base, "r1")
	require.NoError(t, err)
	assert.DirExists(t, w.ArtifactsDir)

	opened, err := Open(base, "r1")
	require.NoError(t, err)
	assert.Equal(t, w.Path, opened.Path)

	meta, err := opened.ReadRunMetadata()
	require.NoError(t, err)
	assert.Empty(t, meta.Artifacts)
}

func TestDownloader_SavesAndRecords(t *testing.T) {
	base := t.TempDir()
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	fetcher := &fakeFetcher{data: map[models.ResultHandle][]byte{
		"h1": png,
		"h2": []byte("opaque"),
		"h3": png,
	}}
	d := NewDownloader(base, fetcher, nil)
	ctx := context.Background()

	require.NoError(t, d.Download(ctx, "r1", 0, "h1"))
	require.NoError(t, d.Download(ctx, "r1", 1, "h2"))
	require.NoError(t, d.Download(ctx, "r1", 0, "h3"))

	w, err := Open(base, "r1")
	require.NoError(t, err)
	meta, err := w.ReadRunMetadata()
	require.NoError(t, err)

	assert.Equal(t, "r1", meta.RunID)
	require.Len(t, meta.Artifacts, 2)
	assert.Equal(t, models.ResultHandle("h3"), meta.Artifacts[0].Handle)
	assert.Equal(t, filepath.Join("artifacts", "segment-001.png"), meta.Artifacts[0].File)
	assert.Equal(t, filepath.Join("artifacts", "segment-002.bin"), meta.Artifacts[1].File)

	data, err := os.ReadFile(filepath.Join(w.Path, meta.Artifacts[1].File))
	require.NoError(t, err)
	assert.Equal(t, "opaque", string(data))
}

func TestDownloader_Errors(t *testing.T) {
	ctx := context.Background()

	assert.ErrorIs(t, NewDownloader(t.TempDir(), nil, nil).Download(ctx, "r", 0, "h"), ErrNoFetcher)

	d := NewDownloader(t.TempDir(), &fakeFetcher{}, nil)
	assert.Error(t, d.Download(ctx, "r", 0, ""))
	assert.Error(t, d.Download(ctx, "r", 0, "missing"))
}
