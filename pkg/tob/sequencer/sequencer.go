// Package sequencer implements the Leader-only component that turns a
// Follower's NEW_ORDER into a durably WAL-appended, totally ordered ORDER
// and broadcasts it, and services RESEND_REQUEST from the WAL-recovered
// in-memory history. Append happens before anything observable - the
// broadcast, the local delivery callback - so a crash between the two can
// never leave a record reachable only in memory. A single coarse lock
// covers the whole of Accept and ServiceResend, since one Leader has no
// concurrent peers to agree with and the two operations must not
// interleave their writes to the same stream connection.
package sequencer

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/stream"
	"github.com/jabolina/go-tob/pkg/tob/types"
	"github.com/jabolina/go-tob/pkg/tob/wal"
)

// Broadcaster is the subset of stream.TCPTransport the Sequencer needs,
// kept as an interface so tests can exercise Sequencer without a real
// listener.
type Broadcaster interface {
	Broadcast(msgType types.MessageType, v interface{})
	Unicast(conn *stream.Conn, msgType types.MessageType, v interface{}) error
}

// Sequencer is the Leader's ordering authority for one epoch. A new
// Sequencer must be built on every election win, at the epoch just won.
type Sequencer struct {
	mutex sync.Mutex

	self    types.NodeID
	epoch   types.Epoch
	version types.ProtocolVersion
	log     types.Logger
	w       *wal.WAL

	nextSeq types.Seq
	seen    map[types.PayloadID]struct{}
	history []types.OrderRecord // ascending by seq, RESEND_REQUEST's source of truth
}

// Restore replays walPath and reconstructs next_seq, seen_payload_ids and
// history purely from the WAL, with no separate "last known state" file.
// It does not open the WAL for writing; call New afterward with a WAL
// opened on the same path. A WAL whose records are not strictly increasing in seq indicates
// corruption or a prior bug that let two writers interleave, and is a
// fatal condition this peer must refuse to start on rather than silently
// paper over.
func Restore(walPath string, log types.Logger) (nextSeq types.Seq, seen map[types.PayloadID]struct{}, history []types.OrderRecord, err error) {
	records, err := wal.Replay(walPath, log)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("sequencer: restore: %w", err)
	}
	seen = make(map[types.PayloadID]struct{}, len(records))
	history = make([]types.OrderRecord, 0, len(records))
	nextSeq = 1
	for _, r := range records {
		if r.Seq != 0 && r.Seq < nextSeq {
			return 0, nil, nil, fmt.Errorf("sequencer: restore %s: record seq=%d out of order after seq=%d: %w", walPath, r.Seq, nextSeq-1, types.ErrInvariantViolation)
		}
		seen[r.PayloadID] = struct{}{}
		history = append(history, r.ToOrder())
		if r.Seq >= nextSeq {
			nextSeq = r.Seq + 1
		}
	}
	return nextSeq, seen, history, nil
}

// New builds a Sequencer for epoch, given the state Restore reconstructed
// and an already-open WAL handle ready for Append. The WAL itself is
// responsible for counting appends; the Sequencer does not duplicate that
// bookkeeping.
func New(self types.NodeID, epoch types.Epoch, version types.ProtocolVersion, w *wal.WAL, log types.Logger, nextSeq types.Seq, seen map[types.PayloadID]struct{}, history []types.OrderRecord) *Sequencer {
	if seen == nil {
		seen = make(map[types.PayloadID]struct{})
	}
	if nextSeq == 0 {
		nextSeq = 1
	}
	return &Sequencer{
		self:    self,
		epoch:   epoch,
		version: version,
		w:       w,
		log:     log,
		nextSeq: nextSeq,
		seen:    seen,
		history: history,
	}
}

// Epoch is the epoch this Sequencer assigns every order under.
func (s *Sequencer) Epoch() types.Epoch { return s.epoch }

// NextSeq is the next sequence number this Sequencer will assign, for
// I_AM_LEADER's last_seq field (nextSeq - 1, or 0 if nothing assigned yet).
func (s *Sequencer) NextSeq() types.Seq {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.nextSeq
}

// Accept processes one NEW_ORDER, durably appending and broadcasting
// before returning. broadcast is called with the freshly assigned ORDER;
// the Leader delivers to its own application sink through the same
// callback the top-level Peer wires in.
func (s *Sequencer) Accept(n types.NewOrder, b Broadcaster, deliverLocal func(types.OrderRecord)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, dup := s.seen[n.PayloadID]; dup {
		return nil
	}

	order := types.OrderRecord{
		Epoch: s.epoch,
		Seq:   s.nextSeq,
		PayloadRecord: types.PayloadRecord{
			PayloadID:       n.PayloadID,
			SubmitterID:     n.SubmitterID,
			SubmitTimestamp: time.Unix(0, n.SubmitTimestamp),
			Body:            n.Body,
		},
	}

	if err := s.w.Append(types.WALRecordFromOrder(order)); err != nil {
		return fmt.Errorf("sequencer: append order seq=%d: %w", order.Seq, err)
	}

	s.nextSeq++
	s.history = append(s.history, order)
	s.seen[n.PayloadID] = struct{}{}

	if deliverLocal != nil {
		deliverLocal(order)
	}

	wire := types.Order{
		RPCHeader:       types.RPCHeader{ProtocolVersion: s.version},
		Epoch:           order.Epoch,
		Seq:             order.Seq,
		PayloadID:       order.PayloadID,
		SubmitterID:     order.SubmitterID,
		SubmitTimestamp: n.SubmitTimestamp,
		Body:            order.Body,
	}
	b.Broadcast(types.TypeOrder, wire)
	return nil
}

// ServiceResend streams every history record with seq in
// [req.FromSeq, next_seq) ascending on conn. It holds the same lock Accept
// does for its whole duration, so a NEW_ORDER arriving mid-resend waits
// rather than broadcasting a newer ORDER ahead of these on conn.
func (s *Sequencer) ServiceResend(req types.ResendRequest, conn *stream.Conn, b Broadcaster) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, order := range s.history {
		if order.Seq < req.FromSeq {
			continue
		}
		wire := types.Order{
			RPCHeader:       types.RPCHeader{ProtocolVersion: s.version},
			Epoch:           order.Epoch,
			Seq:             order.Seq,
			PayloadID:       order.PayloadID,
			SubmitterID:     order.SubmitterID,
			SubmitTimestamp: order.SubmitTimestamp.UnixNano(),
			Body:            order.Body,
		}
		if err := b.Unicast(conn, types.TypeOrder, wire); err != nil {
			return fmt.Errorf("sequencer: resend seq=%d: %w", order.Seq, err)
		}
	}
	return nil
}
