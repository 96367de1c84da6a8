package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/segloop/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParse_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sunset.yaml", `
config:
  timeout: 45s
  skip_on_moderation: true
  global_prompt: cinematic
segments:
  - prompt: a beach at dusk
  - prompt: the sun touches the water
`)

	p, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "sunset", p.Name)
	assert.Equal(t, 45*time.Second, p.Config.Timeout)
	assert.True(t, p.Config.SkipOnModeration)
	assert.Equal(t, "cinematic", p.Config.GlobalPrompt)
	assert.Equal(t, models.DefaultMaxDelay, p.Config.MaxDelay)
	assert.Equal(t, models.DefaultModerationRetryLimit, p.Config.ModerationRetryLimit)
	require.Len(t, p.Segments, 2)
	require.NoError(t, Validate(p))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "seed.png", "png")

	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"valid with images", "seed_image: seed.png\nsegments:\n  - prompt: a\n    image: seed.png\n", false},
		{"no segments", "name: empty\n", true},
		{"empty prompt", "segments:\n  - prompt: \"\"\n", true},
		{"missing image", "segments:\n  - prompt: a\n    image: nope.png\n", true},
		{"missing seed", "seed_image: nope.png\nsegments:\n  - prompt: a\n", true},
		{"bad config", "config:\n  max_delay: -3\nsegments:\n  - prompt: a\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(writeFile(t, dir, "plan.yaml", tt.yaml))
			require.NoError(t, err)

			err = Validate(p)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "seed.png", "seed-bytes")
	writeFile(t, dir, "two.png", "two-bytes")
	path := writeFile(t, dir, "p.yaml", `
name: chained
seed_image: seed.png
segments:
  - prompt: one
  - prompt: two
    image: two.png
`)

	p, err := Parse(path)
	require.NoError(t, err)

	segments, cfg, err := p.Build()
	require.NoError(t, err)

	assert.Equal(t, "seed-bytes", string(cfg.InitialImage))
	require.Len(t, segments, 2)
	assert.Nil(t, segments[0].InputImage)
	assert.Equal(t, "two-bytes", string(segments[1].InputImage))
	assert.True(t, segments[1].Custom)
	assert.Equal(t, models.SegmentStatusPending, segments[0].Status)

	edits, err := p.Edits()
	require.NoError(t, err)
	assert.Equal(t, "one", edits[0].Prompt)
	assert.Nil(t, edits[0].InputImage)
	assert.Equal(t, "two-bytes", string(edits[1].InputImage))
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "segments:\n  - prompt: x\n")
	writeFile(t, dir, "b.yml", "name: named\nsegments:\n  - prompt: y\n")
	writeFile(t, dir, "notes.txt", "ignored")

	plans, err := LoadAll([]string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)

	assert.Len(t, plans, 2)
	assert.Contains(t, plans, "a")
	assert.Contains(t, plans, "named")
}
