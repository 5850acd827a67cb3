// Command peer is the CLI bootstrap: it parses flags, assembles a Peer's
// configuration, and wires a kitchen or waiter application sink around it.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jabolina/go-tob/pkg/tob"
	"github.com/jabolina/go-tob/pkg/tob/definition"
	"github.com/jabolina/go-tob/pkg/tob/metrics"
	"github.com/jabolina/go-tob/pkg/tob/sink"
	"github.com/jabolina/go-tob/pkg/tob/types"
)

var (
	app = kingpin.New("peer", "A LAN-scoped total-order broadcast cluster member.")

	id = app.Flag("id", "This peer's stable cluster-wide node id.").
		Required().Uint64()

	role = app.Flag("role", "Initial role hint only; the actual role is decided by election.").
		Default("follower").Enum("leader", "follower")

	tcpPort = app.Flag("tcp-port", "Port this peer's stream-transport server listens on once it becomes Leader.").
		Required().Int()

	ui = app.Flag("ui", "Application-sink variant rendering delivered orders.").
		Default("kitchen").Enum("kitchen", "waiter")

	clusterIDs = app.Flag("cluster", "Comma-separated CLUSTER_NODE_IDS, e.g. 2,3,10.").
		Required().String()

	singleHost = app.Flag("single-host", "Route discovery and COORDINATOR broadcast datagrams at loopback instead of link/global broadcast.").
		Envar("TOB_SINGLE_HOST").Bool()

	dataDir = app.Flag("data-dir", "Directory holding this peer's WAL and storage files.").
		Default(".").String()

	metricsAddr = app.Flag("metrics-addr", "If set, serve Prometheus metrics on this address (e.g. :9100).").
		Default("").String()

	advertiseHost = app.Flag("advertise-host", "IP address other peers use to reach this one; defaults to the first non-loopback interface address.").
		Default("").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	nodeID := types.NodeID(*id)
	logger := definition.NewDefaultLogger(nodeID)

	cluster, err := parseCluster(*clusterIDs, *singleHost)
	if err != nil {
		logger.Fatalf("peer: %v", err)
	}
	if !cluster.Contains(nodeID) {
		logger.Fatalf("peer: --id %d is not a member of --cluster %s", nodeID, *clusterIDs)
	}

	host := *advertiseHost
	if host == "" {
		host, err = outboundAddress()
		if err != nil {
			logger.Fatalf("peer: cannot determine advertise address: %v", err)
		}
	}

	config := types.BaseConfiguration{
		ID:              nodeID,
		Version:         types.LatestProtocolVersion,
		Logger:          logger,
		TCPPort:         *tcpPort,
		WALPath:         fmt.Sprintf("%s/wal-%d.log", strings.TrimRight(*dataDir, "/"), nodeID),
		StoragePath:     fmt.Sprintf("%s/storage-%d.db", strings.TrimRight(*dataDir, "/"), nodeID),
		InitialRoleHint: *role,
	}

	var appSink tob.ApplicationSink
	switch *ui {
	case "waiter":
		appSink = sink.NewWaiter(logger)
	default:
		appSink = sink.NewKitchen(logger)
	}

	reg := metrics.New()

	p, err := tob.NewPeer(config, cluster, host, appSink, reg)
	if err != nil {
		logger.Fatalf("peer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if *metricsAddr != "" {
		go func() {
			if err := reg.Serve(ctx, *metricsAddr); err != nil {
				logger.Errorf("peer: metrics server: %v", err)
			}
		}()
	}

	p.Start()
	logger.Infof("peer: node %d started, tcp-port=%d, cluster=%v, ui=%s", nodeID, *tcpPort, cluster.NodeIDs, *ui)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("peer: node %d shutting down", nodeID)
	cancel()
	p.Shutdown()
}

func parseCluster(raw string, singleHost bool) (types.ClusterConfiguration, error) {
	var ids []types.NodeID
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return types.ClusterConfiguration{}, fmt.Errorf("invalid cluster id %q: %w", field, err)
		}
		ids = append(ids, types.NodeID(n))
	}
	if len(ids) == 0 {
		return types.ClusterConfiguration{}, fmt.Errorf("empty --cluster")
	}
	return types.ClusterConfiguration{NodeIDs: ids, SingleHost: singleHost}, nil
}

// outboundAddress returns the first non-loopback IPv4 address on this host.
func outboundAddress() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "127.0.0.1", nil
}
