package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/mpataki/segloop/internal/models"
)

// CheckpointKey is the store key of the unfinished run.
const CheckpointKey = "run/checkpoint"

// EncodeCheckpoint serializes a run for resumption. Chained images are
// dropped since they can be re-derived from the previous result; custom
// images are kept.
func EncodeCheckpoint(s *models.RunState) ([]byte, error) {
	c := s.Clone()
	for _, seg := range c.Segments {
		if !seg.Custom {
			seg.InputImage = nil
		}
	}
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (*models.RunState, error) {
	var s models.RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	for i, seg := range s.Segments {
		if seg == nil {
			return nil, fmt.Errorf("checkpoint segment %d is empty", i)
		}
	}
	return &s, nil
}

// LoadCheckpoint reads the saved run. It returns ErrNoCheckpoint when none exists.
func LoadCheckpoint(store Store) (*models.RunState, error) {
	data, ok, err := store.Get(CheckpointKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return DecodeCheckpoint(data)
}

// ClearCheckpoint removes any saved run.
func ClearCheckpoint(store Store) error {
	return store.Remove(CheckpointKey)
}

// persist writes the checkpoint and history row. Failures are logged: a run
// keeps going even if the disk is unhappy.
func (o *Orchestrator) persist() {
	o.mu.Lock()
	data, err := EncodeCheckpoint(o.state)
	record := o.snapshotRecordLocked()
	o.mu.Unlock()

	if err != nil {
		o.logger.Printf("[ORCH] failed to encode checkpoint: %v", err)
	} else if err := o.store.Set(CheckpointKey, data); err != nil {
		o.logger.Printf("[ORCH] failed to save checkpoint: %v", err)
	}
	o.saveRecord(record)
}

func (o *Orchestrator) snapshotRecordLocked() *models.RunRecord {
	if o.record == nil {
		return nil
	}
	o.record.SegmentCount = len(o.state.Segments)
	o.record.DoneCount = o.state.DoneCount()
	switch {
	case o.state.IsRunning:
		o.record.Status = models.RunStatusRunning
		o.record.Error = ""
	case o.runErr != nil:
		o.record.Status = models.RunStatusFailed
		o.record.Error = o.runErr.Error()
	default:
		o.record.Status = models.RunStatusPaused
		o.record.Error = ""
	}
	cp := *o.record
	return &cp
}

func (o *Orchestrator) saveRecord(record *models.RunRecord) {
	if o.recorder == nil || record == nil {
		return
	}
	if err := o.recorder.UpdateRun(record); err != nil {
		o.logger.Printf("[ORCH] failed to update run history: %v", err)
	}
}
