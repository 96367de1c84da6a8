package models

import (
	"fmt"
	"strings"
)

type SegmentStatus string

const (
	SegmentStatusPending               SegmentStatus = "pending"
	SegmentStatusWorking               SegmentStatus = "working"
	SegmentStatusDone                  SegmentStatus = "done"
	SegmentStatusError                 SegmentStatus = "error"
	SegmentStatusErrorModerated        SegmentStatus = "error (moderated)"
	SegmentStatusPausedRateLimit       SegmentStatus = "paused (rate limit)"
	SegmentStatusPausedModeration      SegmentStatus = "paused (moderation)"
	SegmentStatusPausedModerationLimit SegmentStatus = "paused (moderation limit)"
)

// ModeratedStatus is the transient status shown while a moderated segment
// waits for its k-th retry out of limit.
func ModeratedStatus(k, limit int) SegmentStatus {
	return SegmentStatus(fmt.Sprintf("moderated (%d/%d)", k, limit))
}

// IsTerminal reports whether the run may advance past a segment in this status.
func (s SegmentStatus) IsTerminal() bool {
	switch s {
	case SegmentStatusDone, SegmentStatusError, SegmentStatusErrorModerated:
		return true
	}
	return false
}

func (s SegmentStatus) IsPaused() bool {
	switch s {
	case SegmentStatusPausedRateLimit, SegmentStatusPausedModeration, SegmentStatusPausedModerationLimit:
		return true
	}
	return false
}

func (s SegmentStatus) IsModerated() bool {
	return strings.HasPrefix(string(s), "moderated (")
}

// ResultHandle references an artifact produced by the remote service. It is
// opaque to the orchestrator; only the actuator interprets it.
type ResultHandle string

type Segment struct {
	ID           int           `json:"id"`
	Prompt       string        `json:"prompt"`
	InputImage   []byte        `json:"input_image,omitempty"`
	Custom       bool          `json:"custom,omitempty"` // InputImage was supplied by the user
	ResultHandle ResultHandle  `json:"result_handle,omitempty"`
	Status       SegmentStatus `json:"status"`
}

// SegmentEdit carries an edit applied on resume. A nil InputImage keeps
// whatever image the segment already has.
type SegmentEdit struct {
	Prompt     string `json:"prompt" yaml:"prompt"`
	InputImage []byte `json:"input_image,omitempty" yaml:"-"`
}

// NewSegments builds pending segments from prompts and optional per-segment
// images. images may be shorter than prompts.
func NewSegments(prompts []string, images [][]byte) []*Segment {
	segments := make([]*Segment, len(prompts))
	for i, p := range prompts {
		seg := &Segment{ID: i, Prompt: p, Status: SegmentStatusPending}
		if i < len(images) && len(images[i]) > 0 {
			seg.InputImage = images[i]
			seg.Custom = true
		}
		segments[i] = seg
	}
	return segments
}
