// Package bus implements a datagram bus: best-effort, possibly-out-of-order
// delivery of small self-contained control messages, with unicast, cluster
// broadcast and link/global broadcast, built on net.UDPConn with a
// JSON-marshal-then-send wire shape.
package bus

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

// Datagram is one received packet, still tagged but not yet decoded into
// its concrete message type.
type Datagram struct {
	Envelope types.Envelope
	Source   *net.UDPAddr
}

// Bus is the datagram bus contract.
type Bus interface {
	// Send marshals v, tags it with msgType, and sends it to one address.
	Send(msgType types.MessageType, v interface{}, addr *net.UDPAddr) error

	// Broadcast sends v to every address in targets (used for the
	// cluster-wide ELECTION/COORDINATOR fan-out and for accelerating
	// convergence via link/global broadcast addresses).
	Broadcast(msgType types.MessageType, v interface{}, targets []*net.UDPAddr) error

	// Receive blocks for the next datagram, or returns an error once Close
	// has been called.
	Receive() (Datagram, error)

	// LocalAddr is the address this bus is bound to.
	LocalAddr() *net.UDPAddr

	Close() error
}

// UDPBus is the production Bus over a real socket.
type UDPBus struct {
	conn *net.UDPConn
	log  types.Logger
}

// Listen opens a UDP socket on port (0 lets the OS choose) and returns a
// ready-to-use Bus.
func Listen(port int, log types.Logger) (*UDPBus, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bus: listen on port %d: %w", port, err)
	}
	return &UDPBus{conn: conn, log: log}, nil
}

func encode(msgType types.MessageType, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s: %w", msgType, err)
	}
	return json.Marshal(types.Envelope{Type: msgType, Body: body})
}

// Send implements Bus.
func (u *UDPBus) Send(msgType types.MessageType, v interface{}, addr *net.UDPAddr) error {
	data, err := encode(msgType, v)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(data, addr)
	if err != nil {
		// Transient transport errors are never surfaced up the protocol;
		// the caller only learns "this specific send failed" so its own
		// retry/heartbeat loop can decide what to do next.
		return fmt.Errorf("bus: send to %s: %w", addr, err)
	}
	return nil
}

// Broadcast implements Bus.
func (u *UDPBus) Broadcast(msgType types.MessageType, v interface{}, targets []*net.UDPAddr) error {
	data, err := encode(msgType, v)
	if err != nil {
		return err
	}
	var firstErr error
	for _, addr := range targets {
		if _, err := u.conn.WriteToUDP(data, addr); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bus: broadcast to %s: %w", addr, err)
		}
	}
	return firstErr
}

const maxDatagramSize = 16 * 1024

// Receive implements Bus.
func (u *UDPBus) Receive() (Datagram, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return Datagram{}, fmt.Errorf("bus: receive: %w", err)
		}
		var env types.Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			// Malformed record: discard, log, continue - never fatal.
			if u.log != nil {
				u.log.Warnf("bus: discarding malformed datagram from %s: %v", addr, err)
			}
			continue
		}
		return Datagram{Envelope: env, Source: addr}, nil
	}
}

// LocalAddr implements Bus.
func (u *UDPBus) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Close implements Bus.
func (u *UDPBus) Close() error {
	return u.conn.Close()
}
