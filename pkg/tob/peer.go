// Package tob wires the datagram bus, stream transport, failure detector,
// discovery probe, Bully election runner, sequencer and replica into one
// owning Peer: a single struct that owns every goroutine and every piece
// of shared state, with explicit Start/Shutdown phases.
package tob

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/bus"
	"github.com/jabolina/go-tob/pkg/tob/core"
	"github.com/jabolina/go-tob/pkg/tob/detector"
	"github.com/jabolina/go-tob/pkg/tob/discovery"
	"github.com/jabolina/go-tob/pkg/tob/election"
	"github.com/jabolina/go-tob/pkg/tob/metrics"
	"github.com/jabolina/go-tob/pkg/tob/replica"
	"github.com/jabolina/go-tob/pkg/tob/sequencer"
	"github.com/jabolina/go-tob/pkg/tob/storage"
	"github.com/jabolina/go-tob/pkg/tob/stream"
	"github.com/jabolina/go-tob/pkg/tob/types"
	"github.com/jabolina/go-tob/pkg/tob/wal"
)

// ApplicationSink is the pluggable outer collaborator every delivered
// OrderRecord reaches - the kitchen/waiter variants selected by --ui,
// kept external to the core engine.
type ApplicationSink interface {
	Deliver(types.OrderRecord)
}

// Peer is one cluster member. Construct with NewPeer, call Start, and
// eventually Shutdown.
type Peer struct {
	mutex sync.Mutex

	id      types.NodeID
	cluster types.ClusterConfiguration
	config  types.BaseConfiguration
	host    string
	log     types.Logger
	metrics *metrics.Registry
	sink    ApplicationSink

	invoker core.Invoker
	done    chan struct{}
	closed  sync.Once

	controlBus   bus.Bus
	discoveryBus bus.Bus
	wideTargets  []*net.UDPAddr

	w     *wal.WAL
	store storage.Storage

	runner *election.Runner
	rep    *replica.Replica

	// Leader-only.
	seq    *sequencer.Sequencer
	stream *stream.TCPTransport

	// Follower-only.
	binding *types.LeaderBinding
	watch   *detector.Watch
	client  *stream.Client
	emitter *detector.Emitter
	probe   *discovery.Loop

	startupTimer *time.Timer
}

// NewPeer opens this peer's WAL and storage, replays recovery state, and
// wires every component. It does not yet run anything; call Start for
// that.
func NewPeer(config types.BaseConfiguration, cluster types.ClusterConfiguration, host string, sink ApplicationSink, reg *metrics.Registry) (*Peer, error) {
	if reg == nil {
		reg = metrics.New()
	}

	nextSeq, _, history, err := sequencer.Restore(config.WALPath, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("peer: recovery: %w", err)
	}

	w, err := wal.Open(config.WALPath, config.Logger, reg)
	if err != nil {
		return nil, fmt.Errorf("peer: open wal: %w", err)
	}

	store, err := storage.Open(config.StoragePath)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("peer: open storage: %w", err)
	}
	for _, rec := range history {
		_ = store.Put(rec)
	}

	var startEpoch types.Epoch
	for _, rec := range history {
		if rec.Epoch > startEpoch {
			startEpoch = rec.Epoch
		}
	}

	controlBus, err := bus.Listen(types.NodeUDPBase+int(config.ID), config.Logger)
	if err != nil {
		w.Close()
		store.Close()
		return nil, fmt.Errorf("peer: open control bus: %w", err)
	}

	p := &Peer{
		id:          config.ID,
		cluster:     cluster,
		config:      config,
		host:        host,
		log:         config.Logger,
		metrics:     reg,
		sink:        sink,
		invoker:     core.NewInvoker(),
		done:        make(chan struct{}),
		controlBus:  controlBus,
		wideTargets: bus.DiscoveryTargets(types.DiscoveryPort, cluster.SingleHost),
		w:           w,
		store:       store,
		rep:         replica.New(startEpoch, nextSeq),
	}

	p.runner = election.NewRunner(config.ID, cluster, startEpoch, config.Version, controlBus, p.invoker, config.Logger, reg, p.resolvePeer, p.wideTargets, p.onBecomeLeader, p.onAdopt)
	return p, nil
}

func (p *Peer) resolvePeer(id types.NodeID) *net.UDPAddr {
	return bus.PeerAddr(p.host, types.NodeUDPBase, int(id))
}

// WALPath returns the file path this peer's write-ahead log is stored at.
func (p *Peer) WALPath() string { return p.config.WALPath }

// StoragePath returns the file path this peer's fast-read index is stored
// at.
func (p *Peer) StoragePath() string { return p.config.StoragePath }

// checkVersion reports whether a received message's RPCHeader is
// compatible with this peer's configured protocol version, logging and
// discarding it otherwise.
func (p *Peer) checkVersion(h types.RPCHeader) bool {
	if err := types.CheckRPCHeader(p.config.Version, h); err != nil {
		if p.log != nil {
			p.log.Warnf("peer: %v", err)
		}
		return false
	}
	return true
}

// Start begins the datagram reader, the discovery probe and the liveness
// watchdog, and bounds the initial recovery-via-discovery window by
// LeaderTimeout before falling back to the Bully rules.
func (p *Peer) Start() {
	p.invoker.Spawn(p.controlDispatch)
	p.invoker.Spawn(p.watchdogLoop)
	p.startDiscoveryProbe()

	p.mutex.Lock()
	grace := types.LeaderTimeout/2 + time.Duration(rand.Int63n(int64(types.LeaderTimeout/2)))
	p.startupTimer = time.AfterFunc(grace, func() {
		p.mutex.Lock()
		hasBinding := p.binding != nil
		p.mutex.Unlock()
		if !hasBinding {
			select {
			case <-p.done:
			default:
				p.runner.Trigger(0)
			}
		}
	})
	p.mutex.Unlock()
}

// Submit hands a new payload to this peer for sequencing: directly if this
// peer is the current Leader, or forwarded as NEW_ORDER over the stream
// connection to the current Leader otherwise.
func (p *Peer) Submit(body []byte) error {
	return p.SubmitExisting(types.NewOrder{
		PayloadID:       types.NewPayloadID(),
		SubmitterID:     p.id,
		SubmitTimestamp: time.Now().UnixNano(),
		Body:            body,
	})
}

// SubmitExisting submits an already-identified NewOrder, the shape a
// client retry carries the same payload_id with, rather than minting a
// fresh one.
func (p *Peer) SubmitExisting(n types.NewOrder) error {
	n.RPCHeader = types.RPCHeader{ProtocolVersion: p.config.Version}
	p.mutex.Lock()
	seq := p.seq
	tr := p.stream
	client := p.client
	p.mutex.Unlock()

	if seq != nil {
		return seq.Accept(n, tr, p.deliverAsLeader)
	}
	if client == nil {
		return fmt.Errorf("peer: no known leader to submit to")
	}
	return client.Send(types.TypeNewOrder, n)
}

// IsLeader reports whether this peer currently holds the Leader role.
func (p *Peer) IsLeader() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.seq != nil
}

// Epoch returns the epoch this peer currently trusts: the one it won as
// Leader, or the one it last adopted from a Leader it follows.
func (p *Peer) Epoch() types.Epoch {
	return p.rep.CurrentEpoch()
}

// deliver is the common tail of every delivery, Leader or Follower: index
// it for fast reads and hand it to the application sink.
func (p *Peer) deliver(order types.OrderRecord) {
	p.metrics.SequenceAdvanced.Inc()
	_ = p.store.Put(order)
	if p.sink != nil {
		p.sink.Deliver(order)
	}
}

// deliverAsLeader is the callback handed to the sequencer: a payload this
// peer just sequenced and durably logged as Leader also needs to advance
// this peer's own replica state, since a Leader is its own first delivery
// target and Reconnected reads expected_seq straight off the replica on
// every later role transition.
func (p *Peer) deliverAsLeader(order types.OrderRecord) {
	p.rep.ObserveLocalDelivery(order)
	p.deliver(order)
}

// --- datagram dispatch -----------------------------------------------

func (p *Peer) controlDispatch() {
	for {
		dg, err := p.controlBus.Receive()
		if err != nil {
			return
		}
		p.handleControl(dg)
	}
}

func (p *Peer) handleControl(dg bus.Datagram) {
	switch dg.Envelope.Type {
	case types.TypeElection:
		var m types.Election
		if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			p.runner.HandleElection(m.CandidateID, m.Epoch)
		}
	case types.TypeAnswer:
		var m types.Answer
		if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			p.runner.HandleAnswer(m.Epoch)
		}
	case types.TypeCoordinator:
		var m types.Coordinator
		if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			p.runner.HandleCoordinator(m.LeaderID, m.Epoch)
		}
	case types.TypeLeaderAlive:
		var m types.LeaderAlive
		if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			p.metrics.HeartbeatsSeen.Inc()
			p.mutex.Lock()
			if p.watch != nil {
				p.watch.Touch(time.Now())
			}
			p.mutex.Unlock()
		}
	case types.TypeIAmLeader:
		var m types.IAmLeader
		if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			p.handleIAmLeader(m)
		}
	case types.TypeWhoIsLeader:
		var m types.WhoIsLeader
		if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			p.handleWhoIsLeader(m, dg.Source)
		}
	}
}

func (p *Peer) discoveryDispatch(b bus.Bus) {
	for {
		dg, err := b.Receive()
		if err != nil {
			return
		}
		if dg.Envelope.Type == types.TypeWhoIsLeader {
			var m types.WhoIsLeader
			if unmarshal(dg.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
				p.handleWhoIsLeader(m, dg.Source)
			}
		}
	}
}

func (p *Peer) handleWhoIsLeader(m types.WhoIsLeader, source *net.UDPAddr) {
	p.mutex.Lock()
	seq := p.seq
	endpoint := ""
	if p.stream != nil {
		endpoint = p.stream.LocalAddress()
	}
	p.mutex.Unlock()
	if seq == nil {
		return
	}
	reply := discovery.NewIAmLeader(p.config.Version, p.id, p.host, endpoint, seq.Epoch(), seq.NextSeq()-1)
	_ = p.controlBus.Send(types.TypeIAmLeader, reply, source)
}

func (p *Peer) handleIAmLeader(reply types.IAmLeader) {
	p.mutex.Lock()
	accept := discovery.ShouldAccept(p.binding, reply)
	if !accept {
		p.mutex.Unlock()
		return
	}
	binding := discovery.BindingFromReply(reply, time.Now())
	p.binding = &binding
	p.watch = detector.NewWatch(time.Now())
	p.rep.AdoptEpoch(reply.Epoch)
	if p.probe != nil {
		p.probe.Stop()
		p.probe = nil
	}
	p.mutex.Unlock()

	p.connectToLeader(binding)
}

// --- role transitions ---------------------------------------------------

func (p *Peer) onBecomeLeader(epoch types.Epoch) {
	p.metrics.ElectionsWon.Inc()
	p.stepDownFollower()

	nextSeq, seen, history, err := sequencer.Restore(p.config.WALPath, p.log)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("peer: cannot restore sequencer state on election win: %v", err)
		}
		return
	}

	bindAddr := fmt.Sprintf(":%d", p.config.TCPPort)
	advertise := &net.TCPAddr{IP: net.ParseIP(p.host), Port: p.config.TCPPort}
	tr, err := stream.NewTCPTransport(bindAddr, advertise, p.log)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("peer: cannot open stream transport as leader: %v", err)
		}
		return
	}

	p.mutex.Lock()
	p.seq = sequencer.New(p.id, epoch, p.config.Version, p.w, p.log, nextSeq, seen, history)
	p.stream = tr
	p.rep.AdoptEpoch(epoch)
	p.metrics.Epoch.Set(float64(epoch))
	p.metrics.Role.Set(3)
	p.mutex.Unlock()

	p.invoker.Spawn(p.leaderStreamLoop)
	p.emitter = detector.StartEmitter(p.invoker, p.emitHeartbeat)
	p.openDiscoveryBus()
}

func (p *Peer) onAdopt(epoch types.Epoch, leaderID types.NodeID) {
	p.stepDownFollower()
	p.rep.AdoptEpoch(epoch)
	p.metrics.Epoch.Set(float64(epoch))
	p.metrics.Role.Set(0)

	p.mutex.Lock()
	binding := p.binding
	p.mutex.Unlock()

	if binding == nil || binding.LeaderID != leaderID {
		// The stream endpoint is not carried on COORDINATOR; rediscover it.
		p.startDiscoveryProbe()
	}
}

func (p *Peer) stepDownFollower() {
	p.mutex.Lock()
	stream := p.stream
	emitter := p.emitter
	dbus := p.discoveryBus
	p.stream = nil
	p.emitter = nil
	p.seq = nil
	p.discoveryBus = nil
	p.mutex.Unlock()

	if stream != nil {
		stream.Close()
	}
	if emitter != nil {
		emitter.Stop()
	}
	if dbus != nil {
		dbus.Close()
	}
}

func (p *Peer) openDiscoveryBus() {
	db, err := bus.Listen(types.DiscoveryPort, p.log)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("peer: cannot bind discovery port as leader: %v", err)
		}
		return
	}
	p.mutex.Lock()
	p.discoveryBus = db
	p.mutex.Unlock()
	p.invoker.Spawn(func() { p.discoveryDispatch(db) })
}

func (p *Peer) startDiscoveryProbe() {
	p.mutex.Lock()
	if p.probe != nil {
		p.mutex.Unlock()
		return
	}
	p.mutex.Unlock()

	loop := discovery.StartProbe(p.invoker, p.sendWhoIsLeader)
	p.mutex.Lock()
	p.probe = loop
	p.mutex.Unlock()
}

func (p *Peer) sendWhoIsLeader() {
	msg := discovery.NewWhoIsLeader(p.config.Version, p.id, "")
	_ = p.controlBus.Broadcast(types.TypeWhoIsLeader, msg, p.wideTargets)
}

// --- leader-side stream handling ----------------------------------------

func (p *Peer) leaderStreamLoop() {
	p.mutex.Lock()
	tr := p.stream
	p.mutex.Unlock()
	if tr == nil {
		return
	}
	for in := range tr.Inbound() {
		p.handleLeaderInbound(in, tr)
	}
}

func (p *Peer) handleLeaderInbound(in stream.Inbound, tr *stream.TCPTransport) {
	p.mutex.Lock()
	seq := p.seq
	p.mutex.Unlock()
	if seq == nil {
		return
	}
	switch in.Envelope.Type {
	case types.TypeNewOrder:
		var m types.NewOrder
		if unmarshal(in.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			if err := seq.Accept(m, tr, p.deliverAsLeader); err != nil && p.log != nil {
				p.log.Errorf("peer: sequencing order failed: %v", err)
			}
		}
	case types.TypeResendRequest:
		var m types.ResendRequest
		if unmarshal(in.Envelope.Body, &m) && p.checkVersion(m.GetRPCHeader()) {
			if err := seq.ServiceResend(m, in.Conn, tr); err != nil && p.log != nil {
				p.log.Errorf("peer: resend failed: %v", err)
			}
		}
	}
}

func (p *Peer) emitHeartbeat() {
	p.mutex.Lock()
	seq := p.seq
	p.mutex.Unlock()
	if seq == nil {
		return
	}
	msg := types.LeaderAlive{
		RPCHeader: types.RPCHeader{ProtocolVersion: p.config.Version},
		LeaderID:  p.id,
		Epoch:     seq.Epoch(),
		LastSeq:   seq.NextSeq() - 1,
	}
	for _, id := range p.cluster.NodeIDs {
		if id == p.id {
			continue
		}
		_ = p.controlBus.Send(types.TypeLeaderAlive, msg, p.resolvePeer(id))
		p.metrics.HeartbeatsSent.Inc()
	}
}

// --- follower-side stream handling --------------------------------------

func (p *Peer) connectToLeader(binding types.LeaderBinding) {
	p.mutex.Lock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.mutex.Unlock()

	client, err := stream.Dial(binding.StreamEndpoint)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("peer: dial leader %d at %s: %v", binding.LeaderID, binding.StreamEndpoint, err)
		}
		return
	}

	p.mutex.Lock()
	p.client = client
	p.mutex.Unlock()

	from := p.rep.Reconnected()
	req := types.ResendRequest{RPCHeader: types.RPCHeader{ProtocolVersion: p.config.Version}, FromSeq: from}
	if err := client.Send(types.TypeResendRequest, req); err != nil && p.log != nil {
		p.log.Errorf("peer: resend request to leader: %v", err)
	}

	p.invoker.Spawn(func() { p.followerStreamLoop(client) })
}

func (p *Peer) followerStreamLoop(client *stream.Client) {
	for {
		env, err := client.Receive()
		if err != nil {
			return
		}
		if env.Type != types.TypeOrder {
			continue
		}
		var order types.Order
		if !unmarshal(env.Body, &order) || !p.checkVersion(order.GetRPCHeader()) {
			continue
		}
		p.handleOrder(order, client)
	}
}

func (p *Peer) handleOrder(order types.Order, client *stream.Client) {
	result, err := p.rep.OnOrder(order, p.w, p.deliver)
	if err != nil {
		if p.log != nil {
			p.log.Errorf("peer: replica append failed: %v", err)
		}
		return
	}
	switch result.Outcome {
	case replica.EpochExceeded:
		p.mutex.Lock()
		p.binding = nil
		p.mutex.Unlock()
		p.startDiscoveryProbe()
	case replica.Buffered:
		p.metrics.GapsDetected.Inc()
		if result.ShouldResend {
			req := types.ResendRequest{RPCHeader: types.RPCHeader{ProtocolVersion: p.config.Version}, FromSeq: result.ShouldResendFrom}
			_ = client.Send(types.TypeResendRequest, req)
		}
	}
}

func (p *Peer) watchdogLoop() {
	ticker := time.NewTicker(types.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mutex.Lock()
			dead := p.watch != nil && p.watch.Dead(time.Now())
			hint := p.rep.CurrentEpoch()
			p.mutex.Unlock()
			if dead {
				p.mutex.Lock()
				p.binding = nil
				p.watch = nil
				p.mutex.Unlock()
				p.startDiscoveryProbe()
				p.runner.Trigger(hint)
			}
		}
	}
}

// Shutdown stops every goroutine this Peer owns and closes its sockets and
// files. Safe to call more than once.
func (p *Peer) Shutdown() {
	p.closed.Do(func() {
		close(p.done)
		p.stepDownFollower()

		p.mutex.Lock()
		client := p.client
		probe := p.probe
		timer := p.startupTimer
		p.mutex.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if client != nil {
			client.Close()
		}
		if probe != nil {
			probe.Stop()
		}
		p.controlBus.Close()
		p.invoker.Stop()
		p.w.Close()
		p.store.Close()
	})
}
