package bus

import (
	"net"
	"testing"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	a, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()

	b, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	msg := types.WhoIsLeader{SenderID: 2, SenderStreamEndpoint: "127.0.0.1:9001"}
	if err := a.Send(types.TypeWhoIsLeader, msg, b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}

	done := make(chan Datagram, 1)
	errs := make(chan error, 1)
	go func() {
		d, err := b.Receive()
		if err != nil {
			errs <- err
			return
		}
		done <- d
	}()

	select {
	case d := <-done:
		if d.Envelope.Type != types.TypeWhoIsLeader {
			t.Fatalf("expected WHO_IS_LEADER, got %s", d.Envelope.Type)
		}
	case err := <-errs:
		t.Fatalf("receive: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestReceiveDiscardsMalformedDatagramAndContinues(t *testing.T) {
	sender, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("listen raw sender: %v", err)
	}
	defer sender.Close()

	b, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	if _, err := sender.WriteToUDP([]byte("not json"), b.LocalAddr()); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	a, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()

	good := types.WhoIsLeader{SenderID: 3}
	if err := a.Send(types.TypeWhoIsLeader, good, b.LocalAddr()); err != nil {
		t.Fatalf("send good: %v", err)
	}

	done := make(chan Datagram, 1)
	go func() {
		d, err := b.Receive()
		if err == nil {
			done <- d
		}
	}()

	select {
	case d := <-done:
		if d.Envelope.Type != types.TypeWhoIsLeader {
			t.Fatalf("expected the well-formed message to survive, got %s", d.Envelope.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: malformed datagram should not have blocked the good one")
	}
}
