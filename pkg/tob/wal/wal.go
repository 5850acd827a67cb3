// Package wal implements a write-ahead log: an append-only, durable,
// file-per-peer record of sequenced payloads, replayed on startup, with no
// compaction, no truncation and exactly one writer. A torn trailing record
// - the shape a crash mid-write leaves behind - is discarded silently on
// replay; every other record is guaranteed structurally valid.
//
// On-disk format: each record is a 4-byte big-endian length, a 4-byte
// big-endian CRC32 (IEEE) of the JSON payload, then the JSON-encoded
// types.WALRecord itself. The checksum exists because, unlike a live
// socket, a WAL file can contain a record that was only partially flushed
// to disk before a crash.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/jabolina/go-tob/pkg/tob/metrics"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

const headerSize = 8 // 4 bytes length + 4 bytes checksum

// WAL is the append/replay durability primitive. One WAL instance owns one
// file and must not be shared across concurrent writers.
type WAL struct {
	mutex   sync.Mutex
	file    *os.File
	log     types.Logger
	metrics *metrics.Registry
}

// Open creates or reopens the WAL file at path, ready for Append. It does
// not replay; call Replay explicitly during startup recovery so a caller
// can reconstruct in-memory state before resuming writes. reg may be nil,
// in which case appends go uncounted.
func Open(path string, log types.Logger, reg *metrics.Registry) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{file: f, log: log, metrics: reg}, nil
}

// Append durably persists record before returning: the WAL is a durable
// prefix of history at all times after a successful append. A failure here
// is fatal to the current role: the caller must step down rather than
// broadcast an entry it could not make durable.
func (w *WAL) Append(record types.WALRecord) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("wal: marshal record: %w", err)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	if w.metrics != nil {
		w.metrics.WALAppends.Inc()
	}
	return nil
}

// Replay yields every structurally valid record in append order. A torn
// record - truncated header, declared length longer than the remaining
// bytes, or a checksum mismatch - is discarded silently and replay stops
// there: a single append-only writer can only ever leave such damage at
// the point its last write was interrupted, so there is nothing of value
// to recover past it.
func Replay(path string, log types.Logger) ([]types.WALRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: open %s for replay: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []types.WALRecord
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err == types.ErrTornRecord {
			if log != nil {
				log.Warnf("wal: discarding torn trailing record in %s", path)
			}
			break
		}
		if err != nil {
			return records, fmt.Errorf("wal: corrupt record in %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(r *bufio.Reader) (types.WALRecord, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err == io.EOF {
		return types.WALRecord{}, io.EOF
	}
	if err != nil || n < headerSize {
		// Partial header: the process crashed mid-write of the length
		// prefix itself. Treat as a torn tail, not a hard error.
		return types.WALRecord{}, types.ErrTornRecord
	}

	length := binary.BigEndian.Uint32(header[0:4])
	checksum := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	n, err = io.ReadFull(r, payload)
	if err != nil || uint32(n) != length {
		return types.WALRecord{}, types.ErrTornRecord
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return types.WALRecord{}, types.ErrTornRecord
	}

	var rec types.WALRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return types.WALRecord{}, fmt.Errorf("unmarshal: %w", err)
	}
	return rec, nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.file.Close()
}
