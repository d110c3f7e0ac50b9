package auth

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/tunnelmesh/internal/frame"
)

// defaultRotationInterval is how often the long-term handshake key rotates
// on a schedule, absent a forced/emergency rotation (spec §4.6).
const defaultRotationInterval = 30 * 24 * time.Hour

// defaultGracePeriod is how long a retired key continues to be accepted
// after a rotation, so in-flight clients that cached the old public key
// aren't cut off mid-session.
const defaultGracePeriod = 24 * time.Hour

// Rotator tracks the server's current and previous long-term key validity
// windows and schedules the next rotation, adapting the teacher's
// current/previous-secret grace-window pattern to the asymmetric handshake
// key here instead of an HMAC secret.
type Rotator struct {
	mu sync.Mutex

	currentPublic []byte
	graceUntil    time.Time
	previousValid bool

	nextRotation time.Time
	interval     time.Duration
	grace        time.Duration

	pendingWarning *frame.EmergencyBody
}

// NewRotator builds a rotator whose first scheduled rotation is interval
// from now.
func NewRotator(currentPublic []byte, interval, grace time.Duration) *Rotator {
	if interval == 0 {
		interval = defaultRotationInterval
	}
	if grace == 0 {
		grace = defaultGracePeriod
	}
	return &Rotator{
		currentPublic: currentPublic,
		interval:      interval,
		grace:         grace,
		nextRotation:  time.Now().Add(interval),
	}
}

// Rotate installs newPublic as the current key, keeping the previous key
// acceptable for the grace period.
func (r *Rotator) Rotate(newPublic []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentPublic = newPublic
	r.graceUntil = time.Now().Add(r.grace)
	r.previousValid = true
	r.nextRotation = time.Now().Add(r.interval)
	r.pendingWarning = nil
}

// ForceEmergencyRotation schedules a forced rotation after a random delay
// in [0, within] seconds, with within capped at one hour,
// equivalent to the spec's DNS-canary-triggered emergency path (§9): it
// doesn't rotate immediately, it warns connected clients via the next
// AUTH_RESPONSE so they can pre-fetch the new key before the deadline.
func (r *Rotator) ForceEmergencyRotation(level int, within time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxSec := int64(within.Seconds())
	if maxSec > 3600 {
		maxSec = 3600
	}
	var after int64
	if maxSec > 0 {
		after = rand.Int63n(maxSec + 1)
	}
	r.pendingWarning = &frame.EmergencyBody{
		Level:        level,
		TriggerAfter: after,
	}
}

// PendingWarning returns the emergency warning to attach to the next
// AUTH_RESPONSE, if any is outstanding.
func (r *Rotator) PendingWarning() *frame.EmergencyBody {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingWarning
}

// DueForRotation reports whether the scheduled rotation time has passed.
func (r *Rotator) DueForRotation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().After(r.nextRotation)
}

// GraceActive reports whether a previous key is still acceptable.
func (r *Rotator) GraceActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previousValid && time.Now().Before(r.graceUntil)
}
