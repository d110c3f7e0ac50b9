package obfuscate

import (
	"context"
	"math/rand"
	"time"
)

// idle fake-traffic bounds (spec §4.3 / §9's canary-equivalent cover
// traffic): when a tunnel session has sent nothing real in this window, it
// emits a control PING-sized fake frame so the link's traffic pattern
// doesn't go conspicuously silent between bursts of real use.
const (
	minIdleInterval = 10 * time.Second
	maxIdleInterval = 30 * time.Second
)

// FakeTrafficInjector fires Send whenever a session has been idle for a
// randomized interval in [minIdleInterval, maxIdleInterval). Callers reset
// the timer on every real write via Touch.
type FakeTrafficInjector struct {
	timer *time.Timer
	send  func()
}

// NewFakeTrafficInjector builds an injector that calls send each time the
// idle window elapses without a Touch.
func NewFakeTrafficInjector(send func()) *FakeTrafficInjector {
	j := &FakeTrafficInjector{send: send}
	j.timer = time.NewTimer(nextInterval())
	return j
}

func nextInterval() time.Duration {
	span := maxIdleInterval - minIdleInterval
	return minIdleInterval + time.Duration(rand.Int63n(int64(span)))
}

// Touch resets the idle window; call it after every frame actually written
// to the wire so fake traffic never overlaps real traffic.
func (j *FakeTrafficInjector) Touch() {
	if !j.timer.Stop() {
		select {
		case <-j.timer.C:
		default:
		}
	}
	j.timer.Reset(nextInterval())
}

// Run blocks, firing send() on every idle timeout, until ctx is cancelled.
func (j *FakeTrafficInjector) Run(ctx context.Context) {
	defer j.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.timer.C:
			j.send()
			j.timer.Reset(nextInterval())
		}
	}
}
