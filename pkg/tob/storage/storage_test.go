package storage

import (
	"path/filepath"
	"testing"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

func order(seq types.Seq, id string) types.OrderRecord {
	return types.OrderRecord{
		Epoch: 1,
		Seq:   seq,
		PayloadRecord: types.PayloadRecord{
			PayloadID:   types.PayloadID(id),
			SubmitterID: 10,
			Body:        []byte(id),
		},
	}
}

func TestBoltStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer-10.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i, id := range []string{"A", "B", "C"} {
		if err := s.Put(order(types.Seq(i+1), id)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(all))
	}
	for i, o := range all {
		if o.Seq != types.Seq(i+1) {
			t.Errorf("expected ascending seq, got %#v at index %d", o, i)
		}
	}

	got, found, err := s.Get(2)
	if err != nil || !found {
		t.Fatalf("get seq 2: found=%v err=%v", found, err)
	}
	if got.PayloadID != "B" {
		t.Errorf("expected payload B, got %s", got.PayloadID)
	}

	if _, found, _ := s.Get(99); found {
		t.Errorf("expected seq 99 to be absent")
	}
}

func TestInMemoryStorageMatchesBoltContract(t *testing.T) {
	s := NewInMemory()
	_ = s.Put(order(1, "A"))
	_ = s.Put(order(2, "B"))

	all, _ := s.All()
	if len(all) != 2 || all[0].Seq != 1 || all[1].Seq != 2 {
		t.Fatalf("unexpected ordering: %#v", all)
	}
}
