// Package plan reads run plans: YAML files listing the segments of a run and
// the config it uses.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/segloop/internal/models"
)

// Plan is a work list on disk. Image paths are relative to the plan file.
type Plan struct {
	Name      string           `yaml:"name"`
	SeedImage string           `yaml:"seed_image"`
	Config    models.RunConfig `yaml:"config"`
	Segments  []SegmentSpec    `yaml:"segments" validate:"required,min=1,dive"`

	dir string
}

type SegmentSpec struct {
	Prompt string `yaml:"prompt" validate:"required"`
	Image  string `yaml:"image"`
}

func Parse(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	p := Plan{Config: models.DefaultRunConfig()}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}

	p.dir = filepath.Dir(path)
	if p.Name == "" {
		p.Name = nameFromFile(filepath.Base(path))
	}

	return &p, nil
}

func LoadAll(dirs []string) (map[string]*Plan, error) {
	plans := make(map[string]*Plan)

	for _, dir := range dirs {
		if err := loadFromDir(dir, plans); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return plans, nil
}

func loadFromDir(dir string, plans map[string]*Plan) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		p, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		plans[p.Name] = p
	}

	return nil
}

func nameFromFile(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
}

// Validate checks the plan's structure and config ranges, and that every
// referenced image exists.
func Validate(p *Plan) error {
	validate := validator.New()
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("plan %q is invalid: %w", p.Name, err)
	}

	if p.SeedImage != "" {
		if _, err := os.Stat(p.resolve(p.SeedImage)); err != nil {
			return fmt.Errorf("seed image %q not found", p.SeedImage)
		}
	}
	for i, seg := range p.Segments {
		if seg.Image == "" {
			continue
		}
		if _, err := os.Stat(p.resolve(seg.Image)); err != nil {
			return fmt.Errorf("segment %d image %q not found", i+1, seg.Image)
		}
	}

	return nil
}

// Build loads the plan's images and returns pending segments plus the run
// config with its seed image attached.
func (p *Plan) Build() ([]*models.Segment, models.RunConfig, error) {
	cfg := p.Config

	if p.SeedImage != "" {
		seed, err := os.ReadFile(p.resolve(p.SeedImage))
		if err != nil {
			return nil, cfg, fmt.Errorf("failed to read seed image: %w", err)
		}
		cfg.InitialImage = seed
	}

	prompts := make([]string, len(p.Segments))
	images := make([][]byte, len(p.Segments))
	for i, seg := range p.Segments {
		prompts[i] = seg.Prompt
		if seg.Image == "" {
			continue
		}
		img, err := os.ReadFile(p.resolve(seg.Image))
		if err != nil {
			return nil, cfg, fmt.Errorf("failed to read image for segment %d: %w", i+1, err)
		}
		images[i] = img
	}

	return models.NewSegments(prompts, images), cfg, nil
}

// Edits turns the plan into resume edits. Segments without an image keep
// whatever image the run already has for them.
func (p *Plan) Edits() ([]models.SegmentEdit, error) {
	edits := make([]models.SegmentEdit, len(p.Segments))
	for i, seg := range p.Segments {
		edits[i].Prompt = seg.Prompt
		if seg.Image == "" {
			continue
		}
		img, err := os.ReadFile(p.resolve(seg.Image))
		if err != nil {
			return nil, fmt.Errorf("failed to read image for segment %d: %w", i+1, err)
		}
		edits[i].InputImage = img
	}
	return edits, nil
}

func (p *Plan) resolve(path string) string {
	if filepath.IsAbs(path) || p.dir == "" {
		return path
	}
	return filepath.Join(p.dir, path)
}
