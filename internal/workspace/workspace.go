// Package workspace manages the per-run directory where downloaded
// artifacts and the run manifest live.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/models"
)

type Workspace struct {
	Path         string
	ArtifactsDir string
}

// RunMetadata is the run.json manifest describing what was saved for a run.
type RunMetadata struct {
	RunID     string     `json:"run_id"`
	PlanName  string     `json:"plan_name,omitempty"`
	Artifacts []Artifact `json:"artifacts"`
}

type Artifact struct {
	Index   int                 `json:"index"`
	Handle  models.ResultHandle `json:"handle"`
	File    string              `json:"file"`
	SavedAt time.Time           `json:"saved_at"`
}

func dirFor(baseDir, runID string) string {
	return filepath.Join(baseDir, "run-"+runID)
}

func Create(baseDir, runID string) (*Workspace, error) {
	path := dirFor(baseDir, runID)

	w := &Workspace{
		Path:         path,
		ArtifactsDir: filepath.Join(path, "artifacts"),
	}

	if err := os.MkdirAll(w.ArtifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	return w, nil
}

func Open(baseDir, runID string) (*Workspace, error) {
	path := dirFor(baseDir, runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %s does not exist", runID)
	}

	return &Workspace{
		Path:         path,
		ArtifactsDir: filepath.Join(path, "artifacts"),
	}, nil
}

func (w *Workspace) metadataPath() string {
	return filepath.Join(w.Path, "run.json")
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(w.metadataPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

// ReadRunMetadata returns the manifest, or an empty one if none was written yet.
func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(w.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &RunMetadata{}, nil
		}
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}

	return &meta, nil
}

// SaveArtifact writes the bytes of segment index and records them in the
// manifest. A later save of the same index replaces the earlier one.
func (w *Workspace) SaveArtifact(runID string, index int, handle models.ResultHandle, data []byte) (string, error) {
	name := fmt.Sprintf("segment-%03d%s", index+1, extensionFor(data))
	path := filepath.Join(w.ArtifactsDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	meta, err := w.ReadRunMetadata()
	if err != nil {
		return "", err
	}
	meta.RunID = runID

	kept := meta.Artifacts[:0]
	for _, a := range meta.Artifacts {
		if a.Index != index {
			kept = append(kept, a)
		}
	}
	meta.Artifacts = append(kept, Artifact{
		Index:   index,
		Handle:  handle,
		File:    filepath.Join("artifacts", name),
		SavedAt: time.Now(),
	})
	sort.Slice(meta.Artifacts, func(i, j int) bool { return meta.Artifacts[i].Index < meta.Artifacts[j].Index })

	if err := w.WriteRunMetadata(meta); err != nil {
		return "", err
	}
	return path, nil
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}

// Downloader saves finished results into run workspaces using an actuator
// that can fetch result bytes.
type Downloader struct {
	baseDir string
	fetcher actuator.Fetcher
	logger  *log.Logger

	mu sync.Mutex
}

func NewDownloader(baseDir string, fetcher actuator.Fetcher, logger *log.Logger) *Downloader {
	return &Downloader{baseDir: baseDir, fetcher: fetcher, logger: logger}
}

var ErrNoFetcher = errors.New("actuator cannot fetch results")

func (d *Downloader) Download(ctx context.Context, runID string, index int, handle models.ResultHandle) error {
	if d.fetcher == nil {
		return ErrNoFetcher
	}
	if handle == "" {
		return fmt.Errorf("segment %d has no result", index+1)
	}

	data, err := d.fetcher.FetchResult(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to fetch result: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, err := Create(d.baseDir, runID)
	if err != nil {
		return err
	}
	path, err := w.SaveArtifact(runID, index, handle, data)
	if err != nil {
		return err
	}
	if d.logger != nil {
		d.logger.Printf("[DOWNLOAD] saved segment %d to %s", index+1, path)
	}
	return nil
}
