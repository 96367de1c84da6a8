package orchestrator

import (
	"context"
	"fmt"

	"github.com/mpataki/segloop/internal/models"
)

// resolveInputImage picks the image for segment index, in order: the image
// already on the segment (custom, or chained from the previous result), one
// extracted now from the previous result, the seed image when it is reused or
// this is the first segment, and finally the last image any segment produced.
// A nil result means the segment runs text-only.
func (o *Orchestrator) resolveInputImage(ctx context.Context, index int, cfg models.RunConfig) ([]byte, error) {
	o.mu.Lock()
	seg := o.state.Segments[index]
	image := seg.InputImage
	var prevHandle models.ResultHandle
	if index > 0 {
		prevHandle = o.state.Segments[index-1].ResultHandle
	}
	lastGenerated := o.state.LastGeneratedImage
	o.mu.Unlock()

	if len(image) > 0 {
		return image, nil
	}

	if index > 0 && !cfg.ReuseInitialImage && prevHandle != "" {
		o.logger.Printf("[SEGMENT] extracting chained image for segment %d from segment %d", index+1, index)
		derived, err := o.act.ExtractDerivedImage(ctx, prevHandle)
		if err != nil {
			return nil, fmt.Errorf("failed to extract image from segment %d: %w", index, err)
		}
		o.mu.Lock()
		if !seg.Custom {
			seg.InputImage = derived
		}
		o.state.LastGeneratedImage = derived
		o.mu.Unlock()
		return derived, nil
	}

	seed := cfg.InitialImage
	switch {
	case cfg.ReuseInitialImage && len(seed) > 0:
		return seed, nil
	case index == 0 && len(seed) > 0:
		return seed, nil
	case index > 0 && len(lastGenerated) > 0:
		o.logger.Printf("[SEGMENT] using last generated image as fallback for segment %d", index+1)
		return lastGenerated, nil
	}
	return nil, nil
}

// chainNext proactively derives the next segment's input from handle so it
// is ready before the pacing delay. A custom image on the next segment always
// wins; the fallback slot is still refreshed. Failures are only logged since
// resolveInputImage retries the extraction lazily.
func (o *Orchestrator) chainNext(ctx context.Context, index int, handle models.ResultHandle, cfg models.RunConfig) {
	if cfg.ReuseInitialImage || handle == "" {
		return
	}

	o.mu.Lock()
	if index+1 >= len(o.state.Segments) {
		o.mu.Unlock()
		return
	}
	next := o.state.Segments[index+1]
	nextDone := next.Status == models.SegmentStatusDone
	o.mu.Unlock()

	if nextDone {
		return
	}

	derived, err := o.act.ExtractDerivedImage(ctx, handle)
	if err != nil {
		o.logger.Printf("[SEGMENT] proactive extraction for segment %d failed: %v", index+2, err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.LastGeneratedImage = derived
	if next.Custom {
		o.logger.Printf("[SEGMENT] segment %d has a custom image, not chaining", index+2)
		return
	}
	next.InputImage = derived
}
