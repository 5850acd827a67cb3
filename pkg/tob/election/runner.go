package election

import (
	"net"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/bus"
	"github.com/jabolina/go-tob/pkg/tob/core"
	"github.com/jabolina/go-tob/pkg/tob/metrics"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

// ResolvePeer maps a cluster NodeID to its control-plane (datagram)
// address.
type ResolvePeer func(types.NodeID) *net.UDPAddr

// Runner drives a Machine against real timers and the datagram bus,
// turning the state machine's five transitions into actual ELECTION/
// ANSWER/COORDINATOR traffic. The Peer orchestrator owns the single
// datagram reader and forwards decoded control messages into the matching
// Handle* method; Runner never reads from the bus itself.
type Runner struct {
	self    types.NodeID
	cluster types.ClusterConfiguration
	machine *Machine
	version types.ProtocolVersion

	b           bus.Bus
	invoker     core.Invoker
	log         types.Logger
	metrics     *metrics.Registry
	resolve     ResolvePeer
	wideTargets []*net.UDPAddr // link/global broadcast, to accelerate convergence

	onBecomeLeader func(epoch types.Epoch)
	onAdopt        func(epoch types.Epoch, leaderID types.NodeID)

	answerCh      chan types.Epoch
	coordinatorCh chan struct{}
}

// NewRunner builds a Runner around a fresh Machine at startEpoch.
func NewRunner(
	self types.NodeID,
	cluster types.ClusterConfiguration,
	startEpoch types.Epoch,
	version types.ProtocolVersion,
	b bus.Bus,
	invoker core.Invoker,
	log types.Logger,
	reg *metrics.Registry,
	resolve ResolvePeer,
	wideTargets []*net.UDPAddr,
	onBecomeLeader func(epoch types.Epoch),
	onAdopt func(epoch types.Epoch, leaderID types.NodeID),
) *Runner {
	return &Runner{
		self:           self,
		cluster:        cluster,
		machine:        NewMachine(self, cluster, startEpoch),
		version:        version,
		b:              b,
		invoker:        invoker,
		log:            log,
		metrics:        reg,
		resolve:        resolve,
		wideTargets:    wideTargets,
		onBecomeLeader: onBecomeLeader,
		onAdopt:        onAdopt,
		answerCh:       make(chan types.Epoch, 1),
		coordinatorCh:  make(chan struct{}, 1),
	}
}

// Machine exposes the underlying state machine, mostly for tests and for
// the Peer to read the current State()/Epoch() when tagging outgoing
// messages.
func (r *Runner) Machine() *Machine { return r.machine }

// Trigger starts a fresh campaign: on a failure-detector edge, or on a
// jittered startup grace period with no discovery success, bounded by
// LeaderTimeout.
func (r *Runner) Trigger(knownEpochHint types.Epoch) {
	r.invoker.Spawn(func() { r.campaign(knownEpochHint) })
}

func (r *Runner) campaign(knownEpochHint types.Epoch) {
	if r.metrics != nil {
		r.metrics.ElectionsStarted.Inc()
	}
	epoch, targets := r.machine.BeginCampaign(knownEpochHint)
	msg := types.Election{
		RPCHeader:   types.RPCHeader{ProtocolVersion: r.version},
		CandidateID: r.self,
		Epoch:       epoch,
	}
	for _, id := range targets {
		if addr := r.resolve(id); addr != nil {
			if err := r.b.Send(types.TypeElection, msg, addr); err != nil && r.log != nil {
				r.log.Errorf("election: failed sending ELECTION to %d: %v", id, err)
			}
		}
	}

	if len(targets) == 0 {
		// Highest live peer: nobody to preempt it, so there is nothing an
		// ElectionTimeout wait would accomplish beyond delay.
		r.becomeLeader()
		return
	}

	select {
	case got := <-r.answerCh:
		if got != epoch {
			// A stale answer slipped through a prior attempt; ignore and
			// fall back to the timeout path below.
			break
		}
		r.awaitCoordinator(epoch)
		return
	case <-time.After(types.ElectionTimeout):
	}

	if became, e := r.machine.OnElectionTimeoutExpired(); became {
		r.announceLeader(e)
		r.onBecomeLeader(e)
	}
}

func (r *Runner) becomeLeader() {
	became, epoch := r.machine.OnElectionTimeoutExpired()
	if became {
		r.announceLeader(epoch)
		r.onBecomeLeader(epoch)
	}
}

func (r *Runner) announceLeader(epoch types.Epoch) {
	msg := types.Coordinator{
		RPCHeader: types.RPCHeader{ProtocolVersion: r.version},
		LeaderID:  r.self,
		Epoch:     epoch,
	}
	for _, id := range r.cluster.NodeIDs {
		if id == r.self {
			continue
		}
		if addr := r.resolve(id); addr != nil {
			_ = r.b.Send(types.TypeCoordinator, msg, addr)
		}
	}
	if len(r.wideTargets) > 0 {
		_ = r.b.Broadcast(types.TypeCoordinator, msg, r.wideTargets)
	}
}

func (r *Runner) awaitCoordinator(campaignEpoch types.Epoch) {
	select {
	case <-r.coordinatorCh:
		return
	case <-time.After(types.CoordinatorTimeout):
	}

	if r.machine.OnCoordinatorTimeoutExpired() {
		r.campaign(0)
	}
}

// HandleElection processes a received ELECTION{candidate, epoch}.
func (r *Runner) HandleElection(candidate types.NodeID, epoch types.Epoch) {
	answer, shouldCampaign := r.machine.OnElection(candidate, epoch)
	if answer {
		if addr := r.resolve(candidate); addr != nil {
			ans := types.Answer{
				RPCHeader:   types.RPCHeader{ProtocolVersion: r.version},
				ResponderID: r.self,
				Epoch:       epoch,
			}
			_ = r.b.Send(types.TypeAnswer, ans, addr)
		}
	}
	if shouldCampaign {
		r.invoker.Spawn(func() { r.campaign(epoch) })
	}
}

// HandleAnswer processes a received ANSWER{epoch}.
func (r *Runner) HandleAnswer(epoch types.Epoch) {
	if r.machine.OnAnswer(epoch) {
		select {
		case r.answerCh <- epoch:
		default:
		}
	}
}

// HandleCoordinator processes a received COORDINATOR{leaderID, epoch}.
func (r *Runner) HandleCoordinator(leaderID types.NodeID, epoch types.Epoch) {
	if r.machine.OnCoordinator(epoch) {
		select {
		case r.coordinatorCh <- struct{}{}:
		default:
		}
		r.onAdopt(epoch, leaderID)
	}
}
