package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestCountersIncrementAndRender(t *testing.T) {
	r := New()
	r.HeartbeatsSent.Add(3)
	r.ElectionsWon.Inc()
	r.Role.Set(3)

	srv := httptest.NewServer(promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])

	if !strings.Contains(body, "tob_heartbeats_sent_total 3") {
		t.Fatalf("expected heartbeats_sent_total=3 in output, got:\n%s", body)
	}
	if !strings.Contains(body, "tob_elections_won_total 1") {
		t.Fatalf("expected elections_won_total=1 in output, got:\n%s", body)
	}
}

func TestServeRespectsContextCancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
