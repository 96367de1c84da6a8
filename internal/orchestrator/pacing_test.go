package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacer_DelayBounds(t *testing.T) {
	tests := []struct {
		name     string
		rand     float64
		maxDelay float64
		expected time.Duration
	}{
		{"lowest draw", 0, 10, 3300 * time.Millisecond},
		{"highest draw", 1, 10, 10 * time.Second},
		{"middle draw", 0.5, 10, 6650 * time.Millisecond},
		{"disabled", 0.5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPacer(100*time.Millisecond, func() float64 { return tt.rand })
			assert.InDelta(t, float64(tt.expected), float64(p.Delay(tt.maxDelay)), float64(time.Millisecond))
		})
	}
}

func TestPacer_WaitCompletes(t *testing.T) {
	p := NewPacer(5*time.Millisecond, nil)
	start := time.Now()
	ok := p.Wait(context.Background(), 22*time.Millisecond, func() bool { return true })
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPacer_WaitObservesPauseWithinOneSlice(t *testing.T) {
	slice := 20 * time.Millisecond
	p := NewPacer(slice, func() float64 { return 0.5 })

	var running atomic.Bool
	running.Store(true)
	delay := p.Delay(10) // several seconds

	go func() {
		time.Sleep(50 * time.Millisecond)
		running.Store(false)
	}()

	start := time.Now()
	ok := p.Wait(context.Background(), delay, running.Load)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Less(t, elapsed, 50*time.Millisecond+3*slice)
}

func TestPacer_WaitHonoursContext(t *testing.T) {
	p := NewPacer(10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Wait(ctx, time.Second, func() bool { return true }))
}
