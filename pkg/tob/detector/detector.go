// Package detector implements a heartbeat-based failure detector: the
// Leader periodically broadcasts LEADER_ALIVE with redundant copies to
// mask single-packet loss, and each Follower declares its bound Leader
// dead once too long has passed since the last one seen.
package detector

import (
	"sync"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/core"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

// Emit is called once per heartbeat copy; the caller supplies how a
// LEADER_ALIVE actually gets sent (the Peer sends one datagram to each
// other cluster member), since this package has no transport dependency of
// its own.
type Emit func()

// Emitter periodically fires Emit, HeartbeatRedundancy times per
// HeartbeatInterval, for as long as the Leader role is held.
type Emitter struct {
	invoker core.Invoker
	stop    chan struct{}
	once    sync.Once
}

// StartEmitter spawns the heartbeat loop. Call Stop when stepping down.
func StartEmitter(invoker core.Invoker, emit Emit) *Emitter {
	e := &Emitter{invoker: invoker, stop: make(chan struct{})}
	invoker.Spawn(func() { e.run(emit) })
	return e
}

func (e *Emitter) run(emit Emit) {
	ticker := time.NewTicker(types.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			for i := 0; i < types.HeartbeatRedundancy; i++ {
				emit()
			}
		}
	}
}

// Stop halts the heartbeat loop. Safe to call more than once.
func (e *Emitter) Stop() {
	e.once.Do(func() { close(e.stop) })
}

// Watch is the Follower-side liveness tracker for its currently bound
// Leader. An unbound Follower holds no Watch and never declares death:
// unbound Followers do not declare death, they discover.
type Watch struct {
	mutex    sync.Mutex
	lastSeen time.Time
}

// NewWatch starts a Watch as of now, called the moment a Follower binds to
// a Leader (on discovery accept or reconnect).
func NewWatch(now time.Time) *Watch {
	return &Watch{lastSeen: now}
}

// Touch records a LEADER_ALIVE (or any valid message) just received from
// the bound Leader.
func (w *Watch) Touch(now time.Time) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.lastSeen = now
}

// Dead reports whether now - last_seen_instant exceeds LeaderTimeout.
func (w *Watch) Dead(now time.Time) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return now.Sub(w.lastSeen) > types.LeaderTimeout
}

// LastSeen returns the last touch time, for diagnostics/tests.
func (w *Watch) LastSeen() time.Time {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.lastSeen
}
