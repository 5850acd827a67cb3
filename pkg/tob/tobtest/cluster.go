// Package tobtest is a shared test harness: an in-process cluster of real
// Peers wired over real loopback sockets, with recording application
// sinks and shutdown/wait helpers.
package tobtest

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tob "github.com/jabolina/go-tob/pkg/tob"
	"github.com/jabolina/go-tob/pkg/tob/definition"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

// RecordingSink is an ApplicationSink that appends every delivery to an
// in-memory slice, for test assertions.
type RecordingSink struct {
	mutex     sync.Mutex
	delivered []types.OrderRecord
}

// Deliver implements tob.ApplicationSink.
func (s *RecordingSink) Deliver(order types.OrderRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.delivered = append(s.delivered, order)
}

// Snapshot returns a copy of every record delivered so far, in delivery
// order.
func (s *RecordingSink) Snapshot() []types.OrderRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]types.OrderRecord, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// Member is one cluster member alongside its test-visible sink.
type Member struct {
	ID      types.NodeID
	Peer    *tob.Peer
	Sink    *RecordingSink
	port    int
	crashed bool
}

// Cluster is a set of Peers sharing one ClusterConfiguration, each bound
// to loopback on distinct ports, with single-host discovery/broadcast
// routing.
type Cluster struct {
	t       *testing.T
	cluster types.ClusterConfiguration
	Members []*Member
}

func newConfig(t *testing.T, id types.NodeID, i int) types.BaseConfiguration {
	return types.BaseConfiguration{
		ID:          id,
		Version:     types.LatestProtocolVersion,
		Logger:      definition.NewDefaultLogger(id),
		TCPPort:     39000 + i,
		WALPath:     filepath.Join(t.TempDir(), fmt.Sprintf("wal-%d.log", id)),
		StoragePath: filepath.Join(t.TempDir(), fmt.Sprintf("storage-%d.db", id)),
	}
}

// New builds and starts one Peer per id in ids, each with its own
// temporary WAL and storage files under t.TempDir().
func New(t *testing.T, ids []types.NodeID) *Cluster {
	t.Helper()
	cluster := types.ClusterConfiguration{NodeIDs: ids, SingleHost: true}
	c := &Cluster{t: t, cluster: cluster}

	for i, id := range ids {
		sink := &RecordingSink{}
		config := newConfig(t, id, i)
		peer, err := tob.NewPeer(config, cluster, "127.0.0.1", sink, nil)
		if err != nil {
			t.Fatalf("tobtest: creating peer %d: %v", id, err)
		}
		c.Members = append(c.Members, &Member{ID: id, Peer: peer, Sink: sink, port: i})
	}

	for _, m := range c.Members {
		m.Peer.Start()
	}
	return c
}

// Shutdown stops every member.
func (c *Cluster) Shutdown() {
	for _, m := range c.Members {
		if !m.crashed {
			m.Peer.Shutdown()
		}
	}
}

// Crash stops member's Peer, standing in for a hard process failure from
// the rest of the cluster's point of view: the other members learn of it
// the same way either way, through a missed heartbeat or a dead
// connection, never through a graceful handoff. Its WAL and storage files
// survive on disk so a later Restart can recover them.
func (c *Cluster) Crash(m *Member) {
	m.Peer.Shutdown()
	m.crashed = true
}

// Restart builds a fresh Peer for member, reusing its original WAL and
// storage paths and TCP port, and starts it - standing in for the process
// restart that follows Crash.
func (c *Cluster) Restart(m *Member) {
	sink := &RecordingSink{}
	config := newConfig(c.t, m.ID, m.port)
	config.WALPath = m.Peer.WALPath()
	config.StoragePath = m.Peer.StoragePath()
	peer, err := tob.NewPeer(config, c.cluster, "127.0.0.1", sink, nil)
	if err != nil {
		c.t.Fatalf("tobtest: restarting peer %d: %v", m.ID, err)
	}
	m.Peer = peer
	m.Sink = sink
	m.crashed = false
	peer.Start()
}

// WaitUntil polls cond every 20ms until it returns true or timeout
// elapses, failing the test otherwise - the generic building block under
// WaitForDeliveries and similar helpers.
func WaitUntil(t *testing.T, timeout time.Duration, message string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("tobtest: timed out waiting: %s", message)
	}
}

// WaitForDeliveries blocks until member has delivered at least n records.
func (c *Cluster) WaitForDeliveries(m *Member, n int, timeout time.Duration) {
	WaitUntil(c.t, timeout, fmt.Sprintf("member %d to deliver %d records", m.ID, n), func() bool {
		return len(m.Sink.Snapshot()) >= n
	})
}
