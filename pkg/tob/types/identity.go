// Package types holds the wire structures, identifiers and configuration
// shared across the whole engine: datagram/stream messages, the durable
// WAL record, and the cluster/base configuration handed to a Peer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NodeID is a stable, cluster-wide unique, externally assigned identity.
// Higher values win Bully elections.
type NodeID uint64

// Epoch is a monotonically non-decreasing term counter, incremented by one
// at each successful election.
type Epoch uint64

// Seq is a per-epoch, densely increasing sequence number assigned by the
// current Leader; treated as a single advancing stream across epochs by
// the replica (see Replica.ExpectedSeq).
type Seq uint64

// PayloadID is an opaque identifier minted by the submitter, used solely
// for sequencer-side deduplication.
type PayloadID string

// NewPayloadID mints a fresh random payload identifier.
func NewPayloadID() PayloadID {
	return PayloadID(uuid.NewString())
}

// PayloadRecord is the application payload as submitted, before sequencing.
type PayloadRecord struct {
	PayloadID       PayloadID `json:"payload_id"`
	SubmitterID     NodeID    `json:"submitter_id"`
	SubmitTimestamp time.Time `json:"submit_timestamp"`
	Body            []byte    `json:"body"`
}

// OrderRecord is a PayloadRecord once the Leader has assigned it a place in
// the total order. It is never mutated after assignment.
type OrderRecord struct {
	Epoch Epoch `json:"epoch"`
	Seq   Seq   `json:"seq"`
	PayloadRecord
}

// LeaderBinding is the Follower-side record of which Leader it currently
// trusts.
type LeaderBinding struct {
	LeaderID       NodeID
	StreamEndpoint string
	Epoch          Epoch
	LastSeen       time.Time
}
