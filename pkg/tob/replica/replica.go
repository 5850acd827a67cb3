// Package replica implements the Follower-side ORDER handling: an
// out-of-order buffer that triggers a RESEND_REQUEST when a gap widens, and
// in-order delivery to the application sink once the gap closes.
package replica

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/types"
	"github.com/jabolina/go-tob/pkg/tob/wal"
)

// Outcome classifies how one ORDER was handled.
type Outcome int

const (
	// Discarded means epoch < current_epoch: a stale Leader's order.
	Discarded Outcome = iota
	// EpochExceeded means epoch > current_epoch: the caller must abandon
	// its current LeaderBinding and restart discovery.
	EpochExceeded
	// Duplicate means seq < expected_seq: already delivered.
	Duplicate
	// Delivered means one or more in-order records were appended and
	// handed to the application sink this call (the triggering order and
	// whatever the drain of out_of_order_buffer also unblocked).
	Delivered
	// Buffered means seq > expected_seq: held pending a gap fill.
	Buffered
)

// Result reports what OnOrder did.
type Result struct {
	Outcome Outcome
	// Delivered holds every record appended and delivered this call, in
	// ascending seq order. Only set when Outcome == Delivered.
	Delivered []types.OrderRecord
	// ShouldResendFrom is set when a RESEND_REQUEST{from_seq} must be sent
	// on the stream connection, the gap having just widened or first
	// appeared.
	ShouldResendFrom types.Seq
	ShouldResend     bool
}

// Replica is the Follower's ordering state for one peer.
type Replica struct {
	mutex sync.Mutex

	currentEpoch types.Epoch
	expectedSeq  types.Seq

	outOfOrder       map[types.Seq]types.OrderRecord
	lastRequestedLen int
}

// New starts a Replica trusting startEpoch with the next delivery expected
// at startExpectedSeq (1 at cold start, or WAL-recovery's reconstructed
// value).
func New(startEpoch types.Epoch, startExpectedSeq types.Seq) *Replica {
	if startExpectedSeq == 0 {
		startExpectedSeq = 1
	}
	return &Replica{
		currentEpoch: startEpoch,
		expectedSeq:  startExpectedSeq,
		outOfOrder:   make(map[types.Seq]types.OrderRecord),
	}
}

// CurrentEpoch returns the Leader epoch this Replica currently trusts.
func (r *Replica) CurrentEpoch() types.Epoch {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.currentEpoch
}

// ExpectedSeq returns the next seq this Replica has not yet delivered.
func (r *Replica) ExpectedSeq() types.Seq {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.expectedSeq
}

// AdoptEpoch updates the trusted epoch after accepting a new LeaderBinding
// (discovery's ShouldAccept, or an election Runner's onAdopt callback).
// expected_seq is never reset here: it is a single advancing stream across
// epochs (types.Seq's doc comment).
func (r *Replica) AdoptEpoch(epoch types.Epoch) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.currentEpoch = epoch
}

// ObserveLocalDelivery advances expected_seq after a record has been
// sequenced and delivered by this same peer acting as Leader - the Leader
// is its own first deliverer, and its assignment order is already dense
// and gap-free, so there is nothing to buffer or drain here. It does not
// touch the WAL: the sequencer already appended the record durably before
// calling this. Calling it with a seq below the current expected_seq (the
// Follower delivery path already advanced it) leaves expected_seq
// unchanged; the trusted epoch is still set to order.Epoch. So the same
// Replica can be kept in sync across a Leader/Follower role transition
// without caring which path last moved it forward.
func (r *Replica) ObserveLocalDelivery(order types.OrderRecord) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.currentEpoch = order.Epoch
	if order.Seq >= r.expectedSeq {
		r.expectedSeq = order.Seq + 1
	}
}

// Reconnected reports the from_seq a fresh RESEND_REQUEST should carry
// immediately after (re)connecting to a Leader.
func (r *Replica) Reconnected() types.Seq {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lastRequestedLen = 0
	return r.expectedSeq
}

// OnOrder processes one received ORDER, appending to w and invoking deliver
// for every record that becomes in-order deliverable this call - the
// triggering record and whatever the out_of_order_buffer drain also
// unblocks.
func (r *Replica) OnOrder(order types.Order, w *wal.WAL, deliver func(types.OrderRecord)) (Result, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if order.Epoch < r.currentEpoch {
		return Result{Outcome: Discarded}, nil
	}
	if order.Epoch > r.currentEpoch {
		return Result{Outcome: EpochExceeded}, nil
	}
	if order.Seq < r.expectedSeq {
		return Result{Outcome: Duplicate}, nil
	}

	rec := toRecord(order)
	if order.Seq == r.expectedSeq {
		delivered, err := r.admitAndDrain(rec, w, deliver)
		return Result{Outcome: Delivered, Delivered: delivered}, err
	}

	return r.bufferGap(rec), nil
}

func (r *Replica) admitAndDrain(rec types.OrderRecord, w *wal.WAL, deliver func(types.OrderRecord)) ([]types.OrderRecord, error) {
	var delivered []types.OrderRecord

	if err := r.appendAndDeliver(rec, w, deliver); err != nil {
		return delivered, err
	}
	delivered = append(delivered, rec)

	for {
		next, ok := r.outOfOrder[r.expectedSeq]
		if !ok {
			break
		}
		delete(r.outOfOrder, r.expectedSeq)
		if err := r.appendAndDeliver(next, w, deliver); err != nil {
			return delivered, err
		}
		delivered = append(delivered, next)
	}

	if len(r.outOfOrder) == 0 {
		r.lastRequestedLen = 0
	}
	return delivered, nil
}

func (r *Replica) appendAndDeliver(rec types.OrderRecord, w *wal.WAL, deliver func(types.OrderRecord)) error {
	if err := w.Append(types.WALRecordFromOrder(rec)); err != nil {
		return fmt.Errorf("replica: append seq=%d: %w", rec.Seq, err)
	}
	r.expectedSeq++
	if deliver != nil {
		deliver(rec)
	}
	return nil
}

func (r *Replica) bufferGap(rec types.OrderRecord) Result {
	if len(r.outOfOrder) < types.MaxOutOfOrderBuffer {
		r.outOfOrder[rec.Seq] = rec
	}

	result := Result{Outcome: Buffered}
	if len(r.outOfOrder) > r.lastRequestedLen {
		result.ShouldResend = true
		result.ShouldResendFrom = r.expectedSeq
		r.lastRequestedLen = len(r.outOfOrder)
	}
	return result
}

func toRecord(order types.Order) types.OrderRecord {
	return types.OrderRecord{
		Epoch: order.Epoch,
		Seq:   order.Seq,
		PayloadRecord: types.PayloadRecord{
			PayloadID:       order.PayloadID,
			SubmitterID:     order.SubmitterID,
			SubmitTimestamp: time.Unix(0, order.SubmitTimestamp),
			Body:            order.Body,
		},
	}
}
