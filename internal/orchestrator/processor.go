package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/models"
)

const (
	noticeRateLimited     = "Rate limit reached. The run has been paused; wait or switch accounts, then resume."
	noticeModerated       = "Run paused: content moderated (pause on moderation is enabled)."
	noticeModerationLimit = "Run paused: content moderation limit reached. Adjust the prompt or image, then resume."
)

// processSegment drives segment index to a terminal status for this attempt
// cycle, or pauses the run. Moderation retries have their own budget and do
// not consume the generic one.
func (o *Orchestrator) processSegment(ctx context.Context, index int) {
	cfg := o.config()
	limit := cfg.EffectiveModerationRetryLimit()
	modAttempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if !o.running() {
			o.releaseIfWorking(index)
			return
		}

		o.logger.Printf("[SEGMENT] processing segment %d (attempt %d/%d)", index+1, attempt+1, maxRetries+1)
		o.setStatus(index, models.SegmentStatusWorking)

		handle, err := o.attempt(ctx, index, cfg)
		if err == nil {
			o.succeed(ctx, index, handle, cfg)
			return
		}
		if ctx.Err() != nil {
			// Hard stop. The segment stays working so a restore resets it.
			return
		}
		o.logger.Printf("[SEGMENT] segment %d failed: %v", index+1, err)

		switch actuator.KindOf(err) {
		case actuator.KindRateLimited:
			o.pauseRun(index, models.SegmentStatusPausedRateLimit, noticeRateLimited)
			return

		case actuator.KindModerated:
			if cfg.PauseOnModeration {
				o.pauseRun(index, models.SegmentStatusPausedModeration, noticeModerated)
				return
			}
			modAttempts++
			if modAttempts <= limit {
				o.logger.Printf("[SEGMENT] moderated (%d/%d), cooling down before redo", modAttempts, limit)
				o.setStatus(index, models.ModeratedStatus(modAttempts, limit))
				o.pacer.Wait(ctx, o.timings.ModerationCooldown, o.running)
				if ctx.Err() != nil {
					return
				}
				if o.releaseIfPaused(index) {
					// No redo once paused; a resume submits the segment afresh.
					return
				}
				if err := o.act.TriggerRegenerationAction(ctx); err != nil {
					o.logger.Printf("[SEGMENT] regeneration action failed, retrying in full: %v", err)
				}
				attempt--
				continue
			}
			if cfg.SkipOnModeration {
				o.logger.Printf("[SEGMENT] moderation limit reached, skipping segment %d", index+1)
				o.setStatus(index, models.SegmentStatusErrorModerated)
				return
			}
			o.pauseRun(index, models.SegmentStatusPausedModerationLimit, noticeModerationLimit)
			return
		}

		if cfg.PauseOnError {
			o.pauseRun(index, models.SegmentStatusError, fmt.Sprintf("Run paused due to error: %v", err))
			return
		}

		if attempt < maxRetries {
			o.logger.Printf("[SEGMENT] retrying segment %d in %s", index+1, o.timings.RetryBackoff)
			o.pacer.Wait(ctx, o.timings.RetryBackoff, o.running)
			continue
		}

		if cfg.ContinueOnFailure {
			o.logger.Printf("[SEGMENT] max retries reached, skipping segment %d", index+1)
			o.setStatus(index, models.SegmentStatusError)
			return
		}
		o.abortRun(index, err)
		return
	}
}

// attempt runs one submission of segment index and returns its result handle.
func (o *Orchestrator) attempt(ctx context.Context, index int, cfg models.RunConfig) (models.ResultHandle, error) {
	image, err := o.resolveInputImage(ctx, index, cfg)
	if err != nil {
		return "", err
	}

	if len(image) > 0 {
		if err := o.act.SubmitImage(ctx, image); err != nil {
			return "", fmt.Errorf("failed to submit image: %w", err)
		}
		if err := o.act.WaitImageReady(ctx, o.timings.ImageReadyBound); err != nil {
			return "", fmt.Errorf("image upload not acknowledged: %w", err)
		}
	} else {
		o.logger.Printf("[SEGMENT] no input image for segment %d, proceeding text-only", index+1)
	}

	prompt := ComposePrompt(o.segmentPrompt(index), cfg.GlobalPrompt)
	if err := o.act.SubmitText(ctx, prompt); err != nil {
		return "", fmt.Errorf("failed to submit prompt: %w", err)
	}

	handle, err := o.act.WaitForResult(ctx, cfg.EffectiveTimeout())
	if err != nil {
		return "", err
	}

	branch, err := o.act.DetectOptionalBranch(ctx)
	if err != nil {
		o.logger.Printf("[SEGMENT] optional branch detection failed, ignoring: %v", err)
	} else if branch {
		o.logger.Printf("[SEGMENT] optional branch detected (auto=%v)", cfg.AutoSkip)
		chosen, err := o.act.ResolveOptionalBranch(ctx, cfg.AutoSkip)
		if err != nil {
			return "", fmt.Errorf("failed to resolve optional branch: %w", err)
		}
		if !cfg.AutoSkip && chosen != "" {
			handle = chosen
		}
	}

	if cfg.Upscale {
		upscaled, err := o.act.Upscale(ctx, handle)
		if err != nil {
			o.logger.Printf("[SEGMENT] upscale failed, keeping original: %v", err)
		} else if upscaled != "" {
			handle = upscaled
		}
	}

	return handle, nil
}

func (o *Orchestrator) succeed(ctx context.Context, index int, handle models.ResultHandle, cfg models.RunConfig) {
	o.mu.Lock()
	seg := o.state.Segments[index]
	seg.ResultHandle = handle
	seg.Status = models.SegmentStatusDone
	runID := o.state.ID
	o.publishLocked(EventStateChanged, "")
	o.mu.Unlock()

	if cfg.AutoDownload && o.downloader != nil {
		if err := o.downloader.Download(ctx, runID, index, handle); err != nil {
			o.logger.Printf("[SEGMENT] auto-download of segment %d failed: %v", index+1, err)
		}
	}

	o.chainNext(ctx, index, handle, cfg)

	if cfg.MaxDelay > 0 {
		d := o.pacer.Delay(cfg.MaxDelay)
		o.logger.Printf("[SEGMENT] pacing for %s (max %.0fs)", d.Round(100*time.Millisecond), cfg.MaxDelay)
		o.pacer.Wait(ctx, d, o.running)
	}
	o.logger.Printf("[SEGMENT] segment %d complete", index+1)
}

// ComposePrompt appends the global suffix to prompt with a single space.
func ComposePrompt(prompt, suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return prompt
	}
	if prompt == "" {
		return suffix
	}
	return prompt + " " + suffix
}

func (o *Orchestrator) pauseRun(index int, status models.SegmentStatus, notice string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.IsRunning = false
	o.state.Segments[index].Status = status
	o.logger.Printf("[ORCH] %s", notice)
	o.publishLocked(EventPaused, notice)
}

func (o *Orchestrator) abortRun(index int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.IsRunning = false
	o.state.Segments[index].Status = models.SegmentStatusError
	o.runErr = fmt.Errorf("segment %d failed after %d attempts: %w", index+1, maxRetries+1, err)
	o.logger.Printf("[ORCH] aborting run: %v", o.runErr)
	o.publishLocked(EventPaused, fmt.Sprintf("Run stopped: %v", o.runErr))
}

func (o *Orchestrator) setStatus(index int, status models.SegmentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Segments[index].Status = status
	o.publishLocked(EventStateChanged, "")
}

// releaseIfWorking puts a segment abandoned between attempts back to pending.
func (o *Orchestrator) releaseIfWorking(index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	seg := o.state.Segments[index]
	if seg.Status == models.SegmentStatusWorking {
		seg.Status = models.SegmentStatusPending
		o.publishLocked(EventStateChanged, "")
	}
}

// releaseIfPaused puts segment index back to pending when the run has been
// paused, reporting whether it did.
func (o *Orchestrator) releaseIfPaused(index int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsRunning {
		return false
	}
	o.state.Segments[index].Status = models.SegmentStatusPending
	o.publishLocked(EventStateChanged, "")
	return true
}

func (o *Orchestrator) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.IsRunning
}

func (o *Orchestrator) config() models.RunConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Config
}

func (o *Orchestrator) segmentPrompt(index int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Segments[index].Prompt
}
