// Package discovery lets unbound peers broadcast WHO_IS_LEADER until the
// Leader unicasts back I_AM_LEADER, accepting a reply only when it
// actually improves the receiver's knowledge.
package discovery

import (
	"time"

	"github.com/jabolina/go-tob/pkg/tob/core"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

// Probe is called once per DiscoveryInterval tick by an unbound peer to
// send WHO_IS_LEADER.
type Probe func()

// StartProbe spawns the discovery loop. The caller stops it with the
// returned Loop's Stop the moment a binding is accepted.
func StartProbe(invoker core.Invoker, probe Probe) *Loop {
	l := &Loop{stop: make(chan struct{})}
	invoker.Spawn(func() { l.run(probe) })
	return l
}

// Loop is the running discovery probe loop.
type Loop struct {
	stop chan struct{}
}

func (l *Loop) run(probe Probe) {
	ticker := time.NewTicker(types.DiscoveryInterval)
	defer ticker.Stop()
	probe() // don't wait a full interval before the first attempt
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			probe()
		}
	}
}

// Stop halts the probe loop.
func (l *Loop) Stop() { close(l.stop) }

// NewWhoIsLeader builds the control message an unbound peer broadcasts.
func NewWhoIsLeader(version types.ProtocolVersion, self types.NodeID, streamEndpoint string) types.WhoIsLeader {
	return types.WhoIsLeader{
		RPCHeader:            types.RPCHeader{ProtocolVersion: version},
		SenderID:             self,
		SenderStreamEndpoint: streamEndpoint,
	}
}

// NewIAmLeader builds the Leader's unicast reply.
func NewIAmLeader(version types.ProtocolVersion, leaderID types.NodeID, leaderIP, streamEndpoint string, epoch types.Epoch, lastSeq types.Seq) types.IAmLeader {
	return types.IAmLeader{
		RPCHeader:            types.RPCHeader{ProtocolVersion: version},
		LeaderID:             leaderID,
		LeaderIP:             leaderIP,
		LeaderStreamEndpoint: streamEndpoint,
		Epoch:                epoch,
		LastSeq:              lastSeq,
	}
}

// ShouldAccept reports whether an I_AM_LEADER reply improves on the
// receiver's current binding: it accepts the reply only if its current
// binding is absent or has a strictly lower epoch.
func ShouldAccept(current *types.LeaderBinding, reply types.IAmLeader) bool {
	return current == nil || current.Epoch < reply.Epoch
}

// BindingFromReply builds the Follower's new LeaderBinding from an
// accepted I_AM_LEADER.
func BindingFromReply(reply types.IAmLeader, now time.Time) types.LeaderBinding {
	return types.LeaderBinding{
		LeaderID:       reply.LeaderID,
		StreamEndpoint: reply.LeaderStreamEndpoint,
		Epoch:          reply.Epoch,
		LastSeen:       now,
	}
}
