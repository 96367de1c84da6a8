package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultTimeout              = 30 * time.Second
	DefaultMaxDelay             = 15.0
	DefaultModerationRetryLimit = 2
)

// RunConfig holds the tunables of a single run. It is fixed once the run starts.
type RunConfig struct {
	Timeout              time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0s"`
	MaxDelay             float64       `json:"max_delay" yaml:"max_delay" validate:"gte=0,lte=3600"` // seconds
	StrictMode           bool          `json:"strict_mode,omitempty" yaml:"strict_mode"`
	PauseOnError         bool          `json:"pause_on_error,omitempty" yaml:"pause_on_error"`
	PauseOnModeration    bool          `json:"pause_on_moderation,omitempty" yaml:"pause_on_moderation"`
	SkipOnModeration     bool          `json:"skip_on_moderation,omitempty" yaml:"skip_on_moderation"`
	ModerationRetryLimit int           `json:"moderation_retry_limit" yaml:"moderation_retry_limit" validate:"gte=0,lte=20"`
	AutoSkip             bool          `json:"auto_skip,omitempty" yaml:"auto_skip"`
	ReuseInitialImage    bool          `json:"reuse_initial_image,omitempty" yaml:"reuse_initial_image"`
	Upscale              bool          `json:"upscale,omitempty" yaml:"upscale"`
	AutoDownload         bool          `json:"auto_download,omitempty" yaml:"auto_download"`
	PauseAfterScene      bool          `json:"pause_after_scene,omitempty" yaml:"pause_after_scene"`
	ContinueOnFailure    bool          `json:"continue_on_failure,omitempty" yaml:"continue_on_failure"`
	GlobalPrompt         string        `json:"global_prompt,omitempty" yaml:"global_prompt" validate:"max=2000"`
	InitialImage         []byte        `json:"initial_image,omitempty" yaml:"-"`
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		Timeout:              DefaultTimeout,
		MaxDelay:             DefaultMaxDelay,
		ModerationRetryLimit: DefaultModerationRetryLimit,
	}
}

// Validate checks field ranges using the struct tags.
func (c *RunConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// EffectiveTimeout falls back to DefaultTimeout for an unset timeout.
func (c RunConfig) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// EffectiveModerationRetryLimit treats zero as the default, matching how
// presets saved without the field behave.
func (c RunConfig) EffectiveModerationRetryLimit() int {
	if c.ModerationRetryLimit <= 0 {
		return DefaultModerationRetryLimit
	}
	return c.ModerationRetryLimit
}
