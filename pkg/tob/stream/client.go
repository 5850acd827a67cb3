package stream

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

// Client is the Follower-side stream transport: connect to one Leader,
// send records, receive the next record, close.
type Client struct {
	raw    net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mutex  sync.Mutex
	closed atomic.Bool
}

// Dial connects to a Leader's advertised stream endpoint.
func Dial(endpoint string) (*Client, error) {
	raw, err := net.Dial("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", endpoint, err)
	}
	return &Client{
		raw:    raw,
		reader: bufio.NewReader(raw),
		writer: bufio.NewWriter(raw),
	}, nil
}

// Send writes one length-framed record to the Leader.
func (c *Client) Send(msgType types.MessageType, v interface{}) error {
	if c.closed.Load() {
		return types.ErrClosed
	}
	env, err := encode(msgType, v)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return writeRecord(c.writer, env)
}

// Receive blocks for the next record from the Leader. An I/O error closes
// the connection; it is treated as a transient transport error the caller
// recovers from by rediscovering and reconnecting.
func (c *Client) Receive() (types.Envelope, error) {
	if c.closed.Load() {
		return types.Envelope{}, types.ErrClosed
	}
	env, err := readRecord(c.reader)
	if err != nil {
		c.Close()
	}
	return env, err
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return c.raw.Close()
}
