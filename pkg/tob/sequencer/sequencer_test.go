package sequencer

import (
	"path/filepath"
	"testing"

	"github.com/jabolina/go-tob/pkg/tob/stream"
	"github.com/jabolina/go-tob/pkg/tob/types"
	"github.com/jabolina/go-tob/pkg/tob/wal"
)

type fakeBroadcaster struct {
	broadcasts []types.Order
	unicasts   []types.Order
}

func (f *fakeBroadcaster) Broadcast(_ types.MessageType, v interface{}) {
	f.broadcasts = append(f.broadcasts, v.(types.Order))
}

func (f *fakeBroadcaster) Unicast(_ *stream.Conn, _ types.MessageType, v interface{}) error {
	f.unicasts = append(f.unicasts, v.(types.Order))
	return nil
}

func openWAL(t *testing.T) (*wal.WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := wal.Open(path, nil, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w, path
}

func TestAcceptAssignsSeqAppendsAndBroadcasts(t *testing.T) {
	w, _ := openWAL(t)
	defer w.Close()
	s := New(1, 1, types.LatestProtocolVersion, w, nil, 0, nil, nil)
	b := &fakeBroadcaster{}

	var delivered []types.OrderRecord
	err := s.Accept(types.NewOrder{PayloadID: "p1", SubmitterID: 2, Body: []byte("a")}, b, func(o types.OrderRecord) {
		delivered = append(delivered, o)
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(b.broadcasts) != 1 || b.broadcasts[0].Seq != 1 {
		t.Fatalf("expected one broadcast at seq 1, got %v", b.broadcasts)
	}
	if len(delivered) != 1 || delivered[0].Seq != 1 {
		t.Fatalf("expected local delivery at seq 1, got %v", delivered)
	}
	if s.NextSeq() != 2 {
		t.Fatalf("expected next_seq 2, got %d", s.NextSeq())
	}

	err = s.Accept(types.NewOrder{PayloadID: "p2", SubmitterID: 2, Body: []byte("b")}, b, nil)
	if err != nil || s.NextSeq() != 3 {
		t.Fatalf("expected second order at seq 2, next_seq 3, got err=%v next=%d", err, s.NextSeq())
	}
}

func TestAcceptDropsDuplicatePayloadID(t *testing.T) {
	w, _ := openWAL(t)
	defer w.Close()
	s := New(1, 1, types.LatestProtocolVersion, w, nil, 0, nil, nil)
	b := &fakeBroadcaster{}

	order := types.NewOrder{PayloadID: "dup", SubmitterID: 2, Body: []byte("x")}
	if err := s.Accept(order, b, nil); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := s.Accept(order, b, nil); err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if len(b.broadcasts) != 1 {
		t.Fatalf("expected exactly one broadcast for a duplicate payload_id, got %d", len(b.broadcasts))
	}
	if s.NextSeq() != 2 {
		t.Fatalf("duplicate must not advance next_seq, got %d", s.NextSeq())
	}
}

func TestRestoreReconstructsStateFromWALReplay(t *testing.T) {
	w, path := openWAL(t)
	if err := w.Append(types.WALRecord{Epoch: 1, Seq: 1, PayloadID: "p1", SubmitterID: 2, Body: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(types.WALRecord{Epoch: 1, Seq: 2, PayloadID: "p2", SubmitterID: 3, Body: []byte("b")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	nextSeq, seen, history, err := Restore(path, nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if nextSeq != 3 {
		t.Fatalf("expected next_seq 3, got %d", nextSeq)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 seen payload ids, got %d", len(seen))
	}
	if len(history) != 2 || history[0].Seq != 1 || history[1].Seq != 2 {
		t.Fatalf("expected ascending history, got %v", history)
	}

	w2, err := wal.Open(path, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	s := New(1, 2, types.LatestProtocolVersion, w2, nil, nextSeq, seen, history)

	b := &fakeBroadcaster{}
	if err := s.Accept(types.NewOrder{PayloadID: "p1", SubmitterID: 2, Body: []byte("a")}, b, nil); err != nil {
		t.Fatalf("accept restored duplicate: %v", err)
	}
	if len(b.broadcasts) != 0 {
		t.Fatal("a payload id seen before the restart must still be deduplicated after restore")
	}
	if err := s.Accept(types.NewOrder{PayloadID: "p3", SubmitterID: 2, Body: []byte("c")}, b, nil); err != nil {
		t.Fatalf("accept new order: %v", err)
	}
	if len(b.broadcasts) != 1 || b.broadcasts[0].Seq != 3 {
		t.Fatalf("expected the post-restart order to continue at seq 3, got %v", b.broadcasts)
	}
}

func TestServiceResendStreamsAscendingFromFromSeq(t *testing.T) {
	w, _ := openWAL(t)
	defer w.Close()
	s := New(1, 1, types.LatestProtocolVersion, w, nil, 0, nil, nil)
	b := &fakeBroadcaster{}
	for i, id := range []types.PayloadID{"p1", "p2", "p3"} {
		if err := s.Accept(types.NewOrder{PayloadID: id, SubmitterID: 2, Body: []byte{byte(i)}}, b, nil); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}

	if err := s.ServiceResend(types.ResendRequest{FromSeq: 2}, nil, b); err != nil {
		t.Fatalf("service resend: %v", err)
	}
	if len(b.unicasts) != 2 || b.unicasts[0].Seq != 2 || b.unicasts[1].Seq != 3 {
		t.Fatalf("expected resend of seq 2 and 3 in order, got %v", b.unicasts)
	}
}
