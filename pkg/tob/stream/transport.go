// Package stream implements a reliable, in-order, length-framed
// bidirectional record channel: a Leader-hosted server that accepts one
// connection per Follower and can broadcast or unicast records on them, and
// a Follower-side client that connects, sends and receives.
package stream

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

const lengthPrefixSize = 4

// maxRecordSize bounds a single length-framed record, protecting a peer
// from a malformed length prefix driving an unbounded allocation.
const maxRecordSize = 64 * 1024 * 1024

// writeRecord length-frames v as JSON and writes it to w.
func writeRecord(w *bufio.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal record: %w", err)
	}
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("stream: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("stream: write payload: %w", err)
	}
	return w.Flush()
}

// readRecord reads one length-framed JSON record from r into an Envelope.
func readRecord(r *bufio.Reader) (types.Envelope, error) {
	var header [lengthPrefixSize]byte
	if _, err := readFull(r, header[:]); err != nil {
		return types.Envelope{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxRecordSize {
		return types.Envelope{}, fmt.Errorf("stream: record of %d bytes exceeds maximum", length)
	}
	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return types.Envelope{}, err
	}
	var env types.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.Envelope{}, fmt.Errorf("stream: unmarshal record: %w", err)
	}
	return env, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("stream: read: %w", err)
		}
	}
	return total, nil
}

// encode wraps v in an Envelope tagged with msgType, mirroring bus.encode
// so the same Envelope shape is used across both transports.
func encode(msgType types.MessageType, v interface{}) (types.Envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("stream: marshal %s: %w", msgType, err)
	}
	return types.Envelope{Type: msgType, Body: body}, nil
}

// resolveAdvertiseAddr picks the address a transport listening on bindAddr
// should tell other peers to dial. If bindAddr already names a specific,
// non-wildcard IP it is used as-is; otherwise an explicit advertise
// address is required, since "listen on all interfaces" is not itself a
// dialable address.
func resolveAdvertiseAddr(bindAddr string, advertise *net.TCPAddr) (*net.TCPAddr, error) {
	if advertise != nil {
		return advertise, nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("stream: resolve %s: %w", bindAddr, err)
	}
	if tcpAddr.IP == nil || tcpAddr.IP.IsUnspecified() {
		return nil, types.ErrNotAdvertisable
	}
	return tcpAddr, nil
}
