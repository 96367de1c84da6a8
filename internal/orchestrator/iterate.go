package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mpataki/segloop/internal/models"
)

// iterate walks the segments from CurrentIndex until the run pauses,
// finishes, or ctx is cancelled. Every exit decision is taken under o.mu
// together with clearing o.looping, so a concurrent Resume either sees the
// loop alive and lets it continue, or sees it gone and starts a new one.
func (o *Orchestrator) iterate(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		o.mu.Lock()
		s := o.state

		if ctx.Err() != nil {
			s.IsRunning = false
			o.looping = false
			o.logger.Printf("[ORCH] run %s stopped: %v", s.ID, ctx.Err())
			o.publishLocked(EventStateChanged, "")
			o.mu.Unlock()
			o.persist()
			return
		}

		for s.CurrentIndex < len(s.Segments) && s.Segments[s.CurrentIndex].Status == models.SegmentStatusDone {
			s.CurrentIndex++
		}
		if s.CurrentIndex >= len(s.Segments) {
			o.finishLocked()
			return
		}

		if !s.IsRunning {
			o.looping = false
			o.logger.Printf("[ORCH] run %s paused at segment %d", s.ID, s.CurrentIndex+1)
			o.publishLocked(EventStateChanged, "")
			o.mu.Unlock()
			o.persist()
			return
		}

		i := s.CurrentIndex
		o.mu.Unlock()

		o.processSegment(ctx, i)

		o.mu.Lock()
		seg := s.Segments[i]
		segDone := seg.Status == models.SegmentStatusDone
		if s.Config.PauseAfterScene && s.IsRunning && segDone {
			o.logger.Printf("[ORCH] step mode: pausing after segment %d", i+1)
			s.IsRunning = false
		}
		stillRunning := s.IsRunning && ctx.Err() == nil
		// A skipped segment is passed only while running; an aborted or
		// paused one stays current so a resume retries it.
		if stillRunning || segDone {
			s.CurrentIndex = i + 1
		}
		o.mu.Unlock()

		if stillRunning {
			o.persist()
		}
	}
}

// finishLocked ends a run that walked past its last segment. It releases o.mu.
func (o *Orchestrator) finishLocked() {
	s := o.state
	last := s.Segments[len(s.Segments)-1]
	s.IsRunning = false
	o.looping = false

	if last.Status == models.SegmentStatusDone {
		s.CurrentIndex = -1
		var record *models.RunRecord
		if o.record != nil {
			now := time.Now()
			o.record.Status = models.RunStatusComplete
			o.record.CompletedAt = &now
			o.record.DoneCount = s.DoneCount()
			o.record.Error = ""
			cp := *o.record
			record = &cp
		}
		o.logger.Printf("[ORCH] run %s finished", s.ID)
		o.publishLocked(EventFinished, "")
		o.mu.Unlock()

		if err := ClearCheckpoint(o.store); err != nil {
			o.logger.Printf("[ORCH] failed to clear checkpoint: %v", err)
		}
		o.saveRecord(record)
		return
	}

	// The last segment was skipped after failing. Park at the first segment
	// that is not done so a resume retries what failed.
	for i, seg := range s.Segments {
		if seg.Status != models.SegmentStatusDone {
			s.CurrentIndex = i
			break
		}
	}
	o.runErr = fmt.Errorf("%d of %d segments did not complete", len(s.Segments)-s.DoneCount(), len(s.Segments))
	o.logger.Printf("[ORCH] run %s ended: %v", s.ID, o.runErr)
	o.publishLocked(EventStateChanged, "")
	o.mu.Unlock()
	o.persist()
}
