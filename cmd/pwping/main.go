package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/glycerine/ipaddr"
	"github.com/glycerine/peerwire"
	"github.com/glycerine/peerwire/protorpc"
)

const service = "pwping"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	peerwire.ExitIfVersionReq(os.Args)

	var serve = flag.Bool("serve", false, "accept connections and answer pings, until ctrl-c.")
	var name = flag.String("name", "", "node name; the peer id is derived from it. Defaults to pwping-serve or a random id.")
	var host = flag.String("host", "", "with -serve, the host to listen on. Defaults to our external ip.")
	var port = flag.Int("port", 0, "with -serve, the port to listen on. 0 picks a free port.")
	var dest = flag.String("s", "127.0.0.1:8443", "address of the server to ping.")
	var destName = flag.String("peer", "pwping-serve", "name of the server to ping; its id is derived from it.")
	var envPath = flag.String("env", "", "path to a peerwire.env file. Defaults to ~/.config/peerwire/peerwire.env")
	var comp = flag.String("compress", "", "compression: none, s2, lz4, zstd:01, zstd:03, zstd:07, zstd:11")
	var n = flag.Int("n", 10, "number of pings")
	var wait = flag.Duration("wait", 10*time.Second, "time to wait for each ping")
	var status = flag.Bool("status", false, "print connection status as JSON when done")
	flag.Parse()

	cfg := peerwire.NewConfig()
	if err := cfg.LoadEnv(*envPath); err != nil {
		log.Printf("bad config: '%v'", err)
		os.Exit(1)
	}
	if *comp != "" {
		cfg.Compression = *comp
	}

	var id peerwire.PeerID
	switch {
	case *name != "":
		id = peerwire.PeerIDFromName(*name)
	case *serve:
		id = peerwire.PeerIDFromName("pwping-serve")
	default:
		id = peerwire.NewPeerID()
	}
	if *serve {
		cfg.WebSocketHost = *host
		if cfg.WebSocketHost == "" {
			cfg.WebSocketHost = ipaddr.GetExternalIP()
		}
		cfg.WebSocketPort = *port
		if cfg.WebSocketPort == 0 {
			cfg.WebSocketPort = ipaddr.GetAvailPort()
		}
	} else {
		cfg.WebSocketPort = 0
		cfg.NodeType = peerwire.NodeTypeBrowser
	}
	cfg.Name = "pwping"

	mgr, err := peerwire.NewConnectionManager(cfg, id, nil)
	panicOn(err)
	comm := protorpc.NewCommunicator(cfg.RpcConfig())
	tr := peerwire.NewRpcTransport(mgr, comm, service)
	defer func() {
		tr.Close()
		comm.Stop()
		mgr.Stop()
	}()

	comm.RegisterRpcMethod("", "", "ping", func(ctx context.Context, req []byte, cc *protorpc.CallContext) ([]byte, error) {
		return append(req, binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))...), nil
	})

	mgr.Events.Connected.On(func(e *peerwire.ConnectedEvent) {
		log.Printf("connected to %v over %v (%v)", e.Peer, e.Type, e.Versions)
	})
	mgr.Events.Disconnected.On(func(e *peerwire.DisconnectedEvent) {
		log.Printf("disconnected from %v: %v '%v'", e.Peer, e.Code, e.Reason)
	})
	mgr.Events.Error.On(func(e *peerwire.ErrorEvent) {
		log.Printf("error with %v: '%v'", e.Peer, e.Err)
	})

	if err := mgr.Start(nil); err != nil {
		log.Printf("could not start: '%v'", err)
		os.Exit(1)
	}
	me := mgr.LocalDescriptor()

	if *serve {
		log.Printf("pwping serving at '%v' as %v", me.WebSocket.URL(), me.ID)
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		<-sigs
		log.Printf("interrupted, stopping")
		printStatus(mgr, *status)
		return
	}

	target, err := parseTarget(*dest, *destName)
	if err != nil {
		log.Printf("bad -s: '%v'", err)
		os.Exit(1)
	}

	var i int
	slowest := time.Duration(-1)
	defer func() {
		s := comm.RttSummary()
		log.Printf("pwping did %v pings. slowest='%v'; q99='%v'; q90='%v'; q50='%v'", s.Count, slowest, s.P99, s.P90, s.P50)
		printStatus(mgr, *status)
	}()
	for i = 0; i < *n; i++ {
		cc := &protorpc.CallContext{Target: target, Timeout: *wait}
		t0 := time.Now()
		req := []byte(fmt.Sprintf("ping %v from %v", i, me.ID))
		_, err := comm.CallRaw(context.Background(), "ping", req, cc)
		if err != nil {
			log.Printf("ping %v failed: '%v'", i, err)
			return
		}
		if elap := time.Since(t0); elap > slowest {
			slowest = elap
		}
	}
}

func parseTarget(hostport, name string) (*peerwire.PeerDescriptor, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, err
	}
	return &peerwire.PeerDescriptor{
		ID:        peerwire.PeerIDFromName(name),
		Type:      peerwire.NodeTypeServer,
		WebSocket: &peerwire.WebSocketAddress{Host: host, Port: port},
	}, nil
}

func printStatus(mgr *peerwire.ConnectionManager, want bool) {
	if !want {
		return
	}
	by, err := mgr.StatusJSON()
	panicOn(err)
	fmt.Println(string(by))
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
