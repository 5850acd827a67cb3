package stream

import (
	"testing"
	"time"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

func TestClientServerRoundTrip(t *testing.T) {
	server, err := NewTCPTransport("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	client, err := Dial(server.LocalAddress())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := types.NewOrder{PayloadID: "A", SubmitterID: 2, Body: []byte("order")}
	if err := client.Send(types.TypeNewOrder, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case in := <-server.Inbound():
		if in.Envelope.Type != types.TypeNewOrder {
			t.Fatalf("expected NEW_ORDER, got %s", in.Envelope.Type)
		}
		// The server can now reply on the very same connection.
		order := types.Order{Epoch: 1, Seq: 1, PayloadID: "A", SubmitterID: 2, Body: []byte("order")}
		if err := server.Unicast(in.Conn, types.TypeOrder, order); err != nil {
			t.Fatalf("unicast reply: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound record")
	}

	reply, err := client.Receive()
	if err != nil {
		t.Fatalf("receive reply: %v", err)
	}
	if reply.Type != types.TypeOrder {
		t.Fatalf("expected ORDER, got %s", reply.Type)
	}
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	server, err := NewTCPTransport("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	var clients []*Client
	for i := 0; i < 3; i++ {
		c, err := Dial(server.LocalAddress())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer c.Close()
		clients = append(clients, c)
	}

	// Give the server a moment to finish accepting all three connections
	// before broadcasting, since Accept runs concurrently with Dial.
	time.Sleep(100 * time.Millisecond)

	order := types.Order{Epoch: 1, Seq: 1, PayloadID: "A"}
	server.Broadcast(types.TypeOrder, order)

	for i, c := range clients {
		env, err := c.Receive()
		if err != nil {
			t.Fatalf("client %d receive: %v", i, err)
		}
		if env.Type != types.TypeOrder {
			t.Fatalf("client %d: expected ORDER, got %s", i, env.Type)
		}
	}
}

func TestNewTCPTransportRequiresAdvertisableAddress(t *testing.T) {
	_, err := NewTCPTransport("0.0.0.0:0", nil, nil)
	if err != types.ErrNotAdvertisable {
		t.Fatalf("expected ErrNotAdvertisable, got %v", err)
	}
}
