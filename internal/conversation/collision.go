package conversation

import (
	"sync"
	"time"
)

// DefaultCollisionHold is how long two speakers must overlap before the
// overlap is resolved.
const DefaultCollisionHold = 500 * time.Millisecond

// AfterFunc schedules f to run once after d and returns a function that
// cancels it. The cancel function reports whether f was prevented from
// running. [time.AfterFunc] satisfies it through a small adapter.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// participant is one speaker taking part in collision arbitration. The
// arbiter calls the *Locked methods only between lockState and unlockState.
type participant interface {
	name() string
	lockState()
	unlockState()

	// speechLocked reports whether the participant is speaking, when its
	// current speech started and the sequence number of that speech.
	speechLocked() (speaking bool, startedAt time.Time, seq uint64)

	// discardLocked force-ends the current speech and drops its recording.
	// The returned function delivers the resulting notifications and must
	// be called after every lock is released.
	discardLocked() (notify func())

	// flagCollisionLocked marks the current speech as a collision survivor.
	flagCollisionLocked()
}

// resolution describes one resolved overlap.
type resolution struct {
	survivor  string
	discarded []string
}

// arbiter resolves overlapping speech between registered participants.
//
// Whenever two or more participants speak at once a single hold timer is
// armed. If the overlap is still there when it fires, the participant that
// started last survives and is flagged as a collision; every other
// overlapping participant is force-ended and its recording dropped.
//
// Lock order is arbiter mutex, then participant mutexes in registration
// order. Participants must not call into the arbiter with their own mutex
// held.
type arbiter struct {
	hold      time.Duration
	afterFunc AfterFunc
	onResolve func(resolution)

	mu        sync.Mutex
	parts     []participant
	armed     bool
	gen       uint64
	armedSeqs []uint64
	stopTimer func() bool
	closed    bool
}

func newArbiter(hold time.Duration, afterFunc AfterFunc, onResolve func(resolution)) *arbiter {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &arbiter{hold: hold, afterFunc: afterFunc, onResolve: onResolve}
}

// register adds p. Registration order breaks start-time ties: the earlier
// registered participant counts as having started first.
func (a *arbiter) register(p participant) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts = append(a.parts, p)
}

// evaluate arms the hold timer when at least two participants are speaking
// and disarms it otherwise.
func (a *arbiter) evaluate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	seqs := make([]uint64, len(a.parts))
	speaking := 0
	for i, p := range a.parts {
		p.lockState()
		on, _, seq := p.speechLocked()
		p.unlockState()
		if on {
			seqs[i] = seq
			speaking++
		}
	}

	if speaking < 2 {
		a.disarmLocked()
		return
	}
	if a.armed {
		return
	}
	a.gen++
	gen := a.gen
	a.armed = true
	a.armedSeqs = seqs
	a.stopTimer = a.afterFunc(a.hold, func() { a.fire(gen) })
}

func (a *arbiter) disarmLocked() {
	if !a.armed {
		return
	}
	a.armed = false
	a.gen++
	if a.stopTimer != nil {
		a.stopTimer()
		a.stopTimer = nil
	}
}

// fire resolves the overlap the timer of generation gen was armed for.
// A timer from an older generation does nothing.
func (a *arbiter) fire(gen uint64) {
	a.mu.Lock()
	if a.closed || !a.armed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.armed = false
	a.stopTimer = nil

	for _, p := range a.parts {
		p.lockState()
	}

	type candidate struct {
		p       participant
		started time.Time
	}
	var overlap []candidate
	for i, p := range a.parts {
		on, started, seq := p.speechLocked()
		// Only speech that has lasted through the whole hold counts.
		if on && seq == a.armedSeqs[i] {
			overlap = append(overlap, candidate{p: p, started: started})
		}
	}

	var (
		notify []func()
		res    *resolution
	)
	if len(overlap) >= 2 {
		survivor := overlap[0]
		for _, c := range overlap[1:] {
			if !c.started.Before(survivor.started) {
				survivor = c
			}
		}
		res = &resolution{survivor: survivor.p.name()}
		for _, c := range overlap {
			if c.p == survivor.p {
				c.p.flagCollisionLocked()
				continue
			}
			res.discarded = append(res.discarded, c.p.name())
			notify = append(notify, c.p.discardLocked())
		}
	}

	for i := len(a.parts) - 1; i >= 0; i-- {
		a.parts[i].unlockState()
	}
	a.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	if res != nil && a.onResolve != nil {
		a.onResolve(*res)
	}
	// Speech that started after arming may still overlap the survivor.
	a.evaluate()
}

// stop disarms the timer and ignores all further notifications.
func (a *arbiter) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disarmLocked()
	a.closed = true
}
