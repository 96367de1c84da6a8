package orchestrator

import (
	"context"
	"math/rand"
	"time"
)

// minDelayFraction is the lower bound of the pacing delay as a fraction of maxDelay.
const minDelayFraction = 0.33

// Pacer produces human-like pauses between segments. Waits are cut into
// slices so a pause request is honoured within one slice.
type Pacer struct {
	slice time.Duration
	rand  func() float64
}

func NewPacer(slice time.Duration, randFloat func() float64) *Pacer {
	if slice <= 0 {
		slice = 100 * time.Millisecond
	}
	if randFloat == nil {
		randFloat = rand.Float64
	}
	return &Pacer{slice: slice, rand: randFloat}
}

// Delay picks a duration in [0.33×maxDelay, maxDelay] seconds.
func (p *Pacer) Delay(maxDelay float64) time.Duration {
	if maxDelay <= 0 {
		return 0
	}
	seconds := maxDelay*minDelayFraction + p.rand()*(1-minDelayFraction)*maxDelay
	return time.Duration(seconds * float64(time.Second))
}

// Wait sleeps for d, checking running between slices. It reports whether
// the full duration elapsed.
func (p *Pacer) Wait(ctx context.Context, d time.Duration, running func() bool) bool {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for waited := time.Duration(0); waited < d; waited += p.slice {
		if !running() {
			return false
		}
		step := p.slice
		if rest := d - waited; rest < step {
			step = rest
		}
		timer.Reset(step)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return true
}
