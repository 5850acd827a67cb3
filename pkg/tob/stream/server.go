package stream

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/jabolina/go-tob/pkg/tob/core"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

// Inbound is one record received on a connection, tagged with the
// connection it arrived on so the caller can reply on the same connection
// (e.g. servicing a RESEND_REQUEST).
type Inbound struct {
	Conn     *Conn
	Envelope types.Envelope
}

// Conn is one Leader-side accepted connection to a Follower.
type Conn struct {
	id     uint64
	raw    net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mutex  sync.Mutex
}

// ID uniquely identifies this connection among the server's currently
// connected Followers, for use as a connected_followers map key.
func (c *Conn) ID() uint64 { return c.id }

// Send writes one length-framed record on this connection, serialized
// with respect to any concurrent Send on the same Conn so a Broadcast and
// a targeted resend never interleave their bytes.
func (c *Conn) Send(msgType types.MessageType, v interface{}) error {
	env, err := encode(msgType, v)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return writeRecord(c.writer, env)
}

func (c *Conn) Close() error { return c.raw.Close() }

// TCPTransport is the Leader-side stream transport: it accepts
// connections, hands each a Conn, and publishes every record received on
// any connection through Inbound().
type TCPTransport struct {
	listener  net.Listener
	advertise *net.TCPAddr
	invoker   core.Invoker
	log       types.Logger

	inbound chan Inbound

	mutex   sync.Mutex
	nextID  uint64
	conns   map[uint64]*Conn
	closed  bool
}

// NewTCPTransport opens a listener on bindAddr. advertise, if non-nil,
// overrides the address reported by LocalAddress - required when bindAddr
// is a wildcard address like "0.0.0.0:0" that cannot itself be dialed by
// another peer.
func NewTCPTransport(bindAddr string, advertise *net.TCPAddr, log types.Logger) (*TCPTransport, error) {
	resolved, err := resolveAdvertiseAddr(bindAddr, advertise)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("stream: listen on %s: %w", bindAddr, err)
	}
	// If the caller bound to port 0, the chosen port is only known after
	// Listen returns; fold it into the resolved advertise address.
	if tcpLn, ok := ln.Addr().(*net.TCPAddr); ok && resolved.Port == 0 {
		resolved.Port = tcpLn.Port
	}

	t := &TCPTransport{
		listener:  ln,
		advertise: resolved,
		invoker:   core.NewInvoker(),
		log:       log,
		inbound:   make(chan Inbound, 64),
		conns:     make(map[uint64]*Conn),
	}
	t.invoker.Spawn(t.acceptLoop)
	return t, nil
}

// LocalAddress is the address other peers should dial to reach this
// server, e.g. for I_AM_LEADER's leader_stream_endpoint field.
func (t *TCPTransport) LocalAddress() string {
	return t.advertise.String()
}

func (t *TCPTransport) acceptLoop() {
	for {
		raw, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.mutex.Lock()
		if t.closed {
			t.mutex.Unlock()
			raw.Close()
			return
		}
		t.nextID++
		conn := &Conn{
			id:     t.nextID,
			raw:    raw,
			reader: bufio.NewReader(raw),
			writer: bufio.NewWriter(raw),
		}
		t.conns[conn.id] = conn
		t.mutex.Unlock()

		t.invoker.Spawn(func() { t.readLoop(conn) })
	}
}

func (t *TCPTransport) readLoop(conn *Conn) {
	defer t.drop(conn)
	for {
		env, err := readRecord(conn.reader)
		if err != nil {
			// Any I/O error closes the connection and reports it to the
			// owner by simply letting it drop out of Broadcast/Unicast's
			// target set; transient errors are never otherwise surfaced.
			return
		}
		select {
		case t.inbound <- Inbound{Conn: conn, Envelope: env}:
		default:
			if t.log != nil {
				t.log.Warnf("stream: inbound queue full, dropping record from connection %d", conn.id)
			}
		}
	}
}

func (t *TCPTransport) drop(conn *Conn) {
	t.mutex.Lock()
	delete(t.conns, conn.id)
	t.mutex.Unlock()
	conn.Close()
}

// Inbound returns the channel of records received on any connection.
func (t *TCPTransport) Inbound() <-chan Inbound { return t.inbound }

// Broadcast sends v to every currently connected Follower. A send failure
// to one connection does not stop delivery to the others; the failing
// connection will be dropped by its own readLoop.
func (t *TCPTransport) Broadcast(msgType types.MessageType, v interface{}) {
	t.mutex.Lock()
	targets := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		targets = append(targets, c)
	}
	t.mutex.Unlock()

	for _, c := range targets {
		if err := c.Send(msgType, v); err != nil && t.log != nil {
			t.log.Errorf("stream: broadcast to connection %d failed: %v", c.ID(), err)
		}
	}
}

// Unicast sends v to one specific connection, used to service a
// RESEND_REQUEST.
func (t *TCPTransport) Unicast(conn *Conn, msgType types.MessageType, v interface{}) error {
	return conn.Send(msgType, v)
}

// Close stops accepting new connections and closes every open one.
func (t *TCPTransport) Close() error {
	t.mutex.Lock()
	t.closed = true
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mutex.Unlock()

	err := t.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	t.invoker.Stop()
	close(t.inbound)
	return err
}
