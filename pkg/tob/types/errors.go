package types

import "errors"

var (
	// ErrUnsupportedProtocol is returned when an RPC arrives tagged with a
	// protocol version the local peer cannot handle.
	ErrUnsupportedProtocol = errors.New("protocol version not supported")

	// ErrNotAdvertisable is returned when a stream transport is asked to
	// bind an address it cannot also advertise to other peers (e.g. 0.0.0.0
	// with no explicit advertise address).
	ErrNotAdvertisable = errors.New("tob: cannot derive an advertisable address")

	// ErrClosed is returned by transport operations issued after Close.
	ErrClosed = errors.New("tob: transport closed")

	// ErrTornRecord is returned internally by the WAL reader when a trailing
	// record is incomplete; callers never see it, it only marks where replay
	// stops.
	ErrTornRecord = errors.New("tob: torn trailing WAL record")

	// ErrInvariantViolation marks a fatal, refuse-to-start condition, such
	// as a WAL replay producing a non-monotonic sequence.
	ErrInvariantViolation = errors.New("tob: invariant violation")
)
