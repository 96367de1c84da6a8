package orchestrator

import "github.com/mpataki/segloop/internal/models"

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	// EventPaused carries a Notice that must be shown to the user and
	// acknowledged: the run stopped for a reason it cannot recover from alone.
	EventPaused   EventType = "paused"
	EventFinished EventType = "finished"
)

type Event struct {
	Type     EventType       `json:"type"`
	Snapshot models.Snapshot `json:"snapshot"`
	Notice   string          `json:"notice,omitempty"`
}

const subscriberBuffer = 64

// Subscribe registers for events. Each event carries a full snapshot, so a
// subscriber that falls behind loses intermediate states, never the latest.
// The returned func unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if _, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(ch)
		}
	}
}

// publishLocked must be called with o.mu held.
func (o *Orchestrator) publishLocked(typ EventType, notice string) {
	ev := Event{Type: typ, Snapshot: o.state.Snapshot(), Notice: notice}

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop the oldest queued event to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
