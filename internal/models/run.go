package models

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusPaused   RunStatus = "paused"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunRecord is the history row kept for every run, independent of the
// checkpoint which only exists while a run is unfinished.
type RunRecord struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	PlanName     string     `json:"plan_name"`
	Status       RunStatus  `json:"status"`
	SegmentCount int        `json:"segment_count"`
	DoneCount    int        `json:"done_count"`
	Error        string     `json:"error,omitempty"`
}

// RunState is the aggregate owned by the orchestrator for the lifetime of a run.
type RunState struct {
	ID           string     `json:"id"`
	PlanName     string     `json:"plan_name,omitempty"`
	Segments     []*Segment `json:"segments"`
	CurrentIndex int        `json:"current_index"`
	IsRunning    bool       `json:"is_running"`
	Config       RunConfig  `json:"config"`

	// LastGeneratedImage is the fallback chaining source. It is never persisted.
	LastGeneratedImage []byte `json:"-"`
}

// Finished reports the terminal state reached after the last segment completed.
func (s *RunState) Finished() bool {
	return !s.IsRunning && s.CurrentIndex == -1
}

func (s *RunState) DoneCount() int {
	n := 0
	for _, seg := range s.Segments {
		if seg.Status == SegmentStatusDone {
			n++
		}
	}
	return n
}

// Clone returns a deep copy. Image bytes are shared since they are never
// mutated in place.
func (s *RunState) Clone() *RunState {
	c := *s
	c.Segments = make([]*Segment, len(s.Segments))
	for i, seg := range s.Segments {
		cp := *seg
		c.Segments[i] = &cp
	}
	return &c
}

// SegmentView is the part of a segment a dashboard needs.
type SegmentView struct {
	Prompt       string        `json:"prompt"`
	Status       SegmentStatus `json:"status"`
	ResultHandle ResultHandle  `json:"result_handle,omitempty"`
	HasImage     bool          `json:"has_image"`
}

// Snapshot is the read-only view pushed to subscribers after every mutation.
type Snapshot struct {
	RunID        string        `json:"run_id"`
	IsRunning    bool          `json:"is_running"`
	CurrentIndex int           `json:"current_index"`
	Segments     []SegmentView `json:"segments"`
}

func (s *RunState) Snapshot() Snapshot {
	snap := Snapshot{
		RunID:        s.ID,
		IsRunning:    s.IsRunning,
		CurrentIndex: s.CurrentIndex,
		Segments:     make([]SegmentView, len(s.Segments)),
	}
	for i, seg := range s.Segments {
		snap.Segments[i] = SegmentView{
			Prompt:       seg.Prompt,
			Status:       seg.Status,
			ResultHandle: seg.ResultHandle,
			HasImage:     len(seg.InputImage) > 0,
		}
	}
	return snap
}
