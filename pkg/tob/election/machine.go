// Package election implements a Bully-variant leader election: a pure,
// lock-protected state machine (Machine) that computes transitions, and a
// Runner (runner.go) that drives it against real timers and the datagram
// bus. Splitting the two keeps the actual Bully logic fully unit-testable
// without spinning up sockets.
package election

import (
	"sync"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

// State is one of the four roles a peer can be in.
type State int

const (
	Stable State = iota
	Campaigning
	AwaitingCoronation
	Leader
)

func (s State) String() string {
	switch s {
	case Stable:
		return "Stable"
	case Campaigning:
		return "Campaigning"
	case AwaitingCoronation:
		return "AwaitingCoronation"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Machine is the Bully state machine for one peer. All methods are safe
// for concurrent use.
type Machine struct {
	mutex sync.Mutex

	self    types.NodeID
	cluster types.ClusterConfiguration

	state State
	// epoch is this peer's current epoch: its own term if Leader, or the
	// epoch of the Leader it currently trusts/last trusted otherwise.
	epoch types.Epoch
	// campaignEpoch is the epoch e' a Campaigning/AwaitingCoronation peer
	// is trying to win; only meaningful in those two states.
	campaignEpoch types.Epoch
}

// NewMachine starts a Machine in Stable state at startEpoch (typically 0,
// or whatever epoch a WAL replay reconstructed evidence for).
func NewMachine(self types.NodeID, cluster types.ClusterConfiguration, startEpoch types.Epoch) *Machine {
	return &Machine{self: self, cluster: cluster, state: Stable, epoch: startEpoch}
}

// State returns the current role.
func (m *Machine) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Epoch returns the current epoch.
func (m *Machine) Epoch() types.Epoch {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.epoch
}

// BeginCampaign starts (or restarts) a campaign. knownEpochHint is the
// best epoch evidence that triggered this campaign (e.g. a LeaderTimeout
// firing with the stale binding's epoch, or 0 at cold start). The new
// campaign epoch is max(known_epoch, local_epoch) + 1 on a fresh trigger.
// A restart after a failed attempt increments from the epoch just
// attempted rather than recomputing from stale known-epoch evidence, so a
// Machine already Campaigning/AwaitingCoronation ignores the hint and
// increments from its own last attempt instead.
func (m *Machine) BeginCampaign(knownEpochHint types.Epoch) (epoch types.Epoch, targets []types.NodeID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	base := m.epoch
	if knownEpochHint > base {
		base = knownEpochHint
	}
	if m.state == Campaigning || m.state == AwaitingCoronation {
		base = m.campaignEpoch
	}

	m.campaignEpoch = base + 1
	m.state = Campaigning
	return m.campaignEpoch, m.cluster.Higher(m.self)
}

// OnAnswer processes a received ANSWER{epoch}. It reports whether the
// Machine transitioned to AwaitingCoronation (the caller should then start
// waiting up to CoordinatorTimeout).
func (m *Machine) OnAnswer(epoch types.Epoch) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.state == Campaigning && epoch == m.campaignEpoch {
		m.state = AwaitingCoronation
		return true
	}
	return false
}

// OnElectionTimeoutExpired is called when ElectionTimeout elapses with no
// ANSWER received. It reports whether the Machine became Leader, and at
// which epoch.
func (m *Machine) OnElectionTimeoutExpired() (becameLeader bool, epoch types.Epoch) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.state != Campaigning {
		return false, 0
	}
	m.state = Leader
	m.epoch = m.campaignEpoch
	return true, m.epoch
}

// OnCoordinatorTimeoutExpired is called when CoordinatorTimeout elapses
// while AwaitingCoronation with no COORDINATOR seen. It reports whether a
// fresh campaign should begin (the caller then calls BeginCampaign again).
func (m *Machine) OnCoordinatorTimeoutExpired() (shouldRestart bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state == AwaitingCoronation
}

// OnCoordinator processes a received COORDINATOR{leaderID, epoch}. This is
// unconditional on current state: any epoch >= self.epoch causes adoption
// (stepping down first if Leader). It reports whether the coordinator was
// adopted.
func (m *Machine) OnCoordinator(epoch types.Epoch) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if epoch < m.epoch {
		return false
	}
	m.epoch = epoch
	m.state = Stable
	return true
}

// OnElection processes a received ELECTION{candidate, epoch}. self only
// reacts if self.node_id > candidate: it always answers, and starts a new
// campaign unless it is already campaigning at an epoch >= e'.
// shouldCampaign, when true, should be followed by a BeginCampaign(epoch)
// call.
func (m *Machine) OnElection(candidate types.NodeID, epoch types.Epoch) (shouldAnswer, shouldCampaign bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.self <= candidate {
		return false, false
	}
	shouldAnswer = true
	alreadyCampaigning := (m.state == Campaigning || m.state == AwaitingCoronation) && m.campaignEpoch >= epoch
	shouldCampaign = !alreadyCampaigning
	return
}
