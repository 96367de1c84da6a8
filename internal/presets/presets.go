// Package presets keeps named run configs and the last-used config in the
// key-value store.
package presets

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mpataki/segloop/internal/models"
)

const (
	keyPrefix     = "presets/"
	LastConfigKey = "config/last"
)

var ErrNotFound = errors.New("preset not found")

type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
}

type Presets struct {
	store Store
}

func New(store Store) *Presets {
	return &Presets{store: store}
}

// Save stores cfg under name, replacing any preset of the same name. Seed
// images are not part of a preset.
func (p *Presets) Save(name string, cfg models.RunConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("preset name is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return p.put(keyPrefix+name, cfg)
}

func (p *Presets) Load(name string) (models.RunConfig, error) {
	cfg, ok, err := p.get(keyPrefix + name)
	if err != nil {
		return cfg, err
	}
	if !ok {
		return cfg, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cfg, nil
}

// List returns preset names in alphabetical order.
func (p *Presets) List() ([]string, error) {
	keys, err := p.store.Keys(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, keyPrefix)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Presets) Delete(name string) error {
	_, ok, err := p.store.Get(keyPrefix + name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p.store.Remove(keyPrefix + name)
}

// SaveLast remembers cfg as the config of the most recent run.
func (p *Presets) SaveLast(cfg models.RunConfig) error {
	return p.put(LastConfigKey, cfg)
}

// LoadLast returns the last-used config, or the defaults when none was saved.
func (p *Presets) LoadLast() (models.RunConfig, error) {
	cfg, ok, err := p.get(LastConfigKey)
	if err != nil {
		return cfg, err
	}
	if !ok {
		return models.DefaultRunConfig(), nil
	}
	return cfg, nil
}

func (p *Presets) put(key string, cfg models.RunConfig) error {
	cfg.InitialImage = nil
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return p.store.Set(key, data)
}

func (p *Presets) get(key string) (models.RunConfig, bool, error) {
	data, ok, err := p.store.Get(key)
	if err != nil || !ok {
		return models.RunConfig{}, false, err
	}
	// Fields missing from older entries keep their defaults.
	cfg := models.DefaultRunConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return models.RunConfig{}, false, fmt.Errorf("failed to parse config %s: %w", key, err)
	}
	return cfg, true, nil
}
