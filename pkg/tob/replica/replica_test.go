package replica

import (
	"path/filepath"
	"testing"

	"github.com/jabolina/go-tob/pkg/tob/types"
	"github.com/jabolina/go-tob/pkg/tob/wal"
)

func openWAL(t *testing.T) *wal.WAL {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), "wal.log"), nil, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func order(epoch types.Epoch, seq types.Seq, id types.PayloadID) types.Order {
	return types.Order{Epoch: epoch, Seq: seq, PayloadID: id, SubmitterID: 2, Body: []byte(id)}
}

func TestInOrderDeliveryAdvancesExpectedSeq(t *testing.T) {
	w := openWAL(t)
	r := New(1, 1)

	var delivered []types.Seq
	res, err := r.OnOrder(order(1, 1, "p1"), w, func(rec types.OrderRecord) { delivered = append(delivered, rec.Seq) })
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != Delivered || len(res.Delivered) != 1 {
		t.Fatalf("expected a single in-order delivery, got %+v", res)
	}
	if r.ExpectedSeq() != 2 {
		t.Fatalf("expected expected_seq 2, got %d", r.ExpectedSeq())
	}
	if len(delivered) != 1 || delivered[0] != 1 {
		t.Fatalf("expected delivery callback for seq 1, got %v", delivered)
	}
}

func TestDuplicateBelowExpectedSeqIsDiscarded(t *testing.T) {
	w := openWAL(t)
	r := New(1, 1)
	if _, err := r.OnOrder(order(1, 1, "p1"), w, nil); err != nil {
		t.Fatalf("on order: %v", err)
	}
	res, err := r.OnOrder(order(1, 1, "p1"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != Duplicate {
		t.Fatalf("expected Duplicate, got %v", res.Outcome)
	}
}

func TestStaleEpochIsDiscarded(t *testing.T) {
	w := openWAL(t)
	r := New(3, 1)
	res, err := r.OnOrder(order(2, 1, "p1"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != Discarded {
		t.Fatalf("expected Discarded, got %v", res.Outcome)
	}
	if r.ExpectedSeq() != 1 {
		t.Fatalf("state must be unchanged, expected_seq=%d", r.ExpectedSeq())
	}
}

func TestHigherEpochSignalsRediscovery(t *testing.T) {
	w := openWAL(t)
	r := New(1, 1)
	res, err := r.OnOrder(order(2, 1, "p1"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != EpochExceeded {
		t.Fatalf("expected EpochExceeded, got %v", res.Outcome)
	}
}

func TestGapBuffersAndRequestsResendOnce(t *testing.T) {
	w := openWAL(t)
	r := New(1, 1)

	res, err := r.OnOrder(order(1, 3, "p3"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != Buffered || !res.ShouldResend || res.ShouldResendFrom != 1 {
		t.Fatalf("expected a buffered gap requesting resend from seq 1, got %+v", res)
	}

	// Same gap again (no growth): must not re-request.
	res, err = r.OnOrder(order(1, 3, "p3"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != Buffered || res.ShouldResend {
		t.Fatalf("expected no repeat resend for an unchanged gap, got %+v", res)
	}

	// Gap grows: must request again.
	res, err = r.OnOrder(order(1, 4, "p4"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if !res.ShouldResend {
		t.Fatal("expected a resend request when the gap grows")
	}
}

func TestFillingGapDrainsBufferedRecordsInOrder(t *testing.T) {
	w := openWAL(t)
	r := New(1, 1)

	if _, err := r.OnOrder(order(1, 3, "p3"), w, nil); err != nil {
		t.Fatalf("on order: %v", err)
	}
	if _, err := r.OnOrder(order(1, 2, "p2"), w, nil); err != nil {
		t.Fatalf("on order: %v", err)
	}

	var delivered []types.Seq
	res, err := r.OnOrder(order(1, 1, "p1"), w, func(rec types.OrderRecord) { delivered = append(delivered, rec.Seq) })
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if res.Outcome != Delivered || len(res.Delivered) != 3 {
		t.Fatalf("expected the fill to drain all 3 buffered records, got %+v", res)
	}
	if delivered[0] != 1 || delivered[1] != 2 || delivered[2] != 3 {
		t.Fatalf("expected ascending delivery order, got %v", delivered)
	}
	if r.ExpectedSeq() != 4 {
		t.Fatalf("expected expected_seq 4 after full drain, got %d", r.ExpectedSeq())
	}
}

func TestReconnectedReportsExpectedSeqAndResetsResendThrottle(t *testing.T) {
	w := openWAL(t)
	r := New(1, 1)
	if _, err := r.OnOrder(order(1, 2, "p2"), w, nil); err != nil {
		t.Fatalf("on order: %v", err)
	}
	if from := r.Reconnected(); from != 1 {
		t.Fatalf("expected reconnect resend from seq 1, got %d", from)
	}

	// The unchanged gap must be requested again after the reset.
	res, err := r.OnOrder(order(1, 2, "p2"), w, nil)
	if err != nil {
		t.Fatalf("on order: %v", err)
	}
	if !res.ShouldResend || res.ShouldResendFrom != 1 {
		t.Fatalf("expected a fresh resend request from seq 1 after reconnect, got %+v", res)
	}
}
