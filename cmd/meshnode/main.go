package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/KD9YQK/ardopmeshchat/internal/chatapp"
	"github.com/KD9YQK/ardopmeshchat/internal/chatstore"
	"github.com/KD9YQK/ardopmeshchat/internal/config"
	"github.com/KD9YQK/ardopmeshchat/internal/kiss"
	"github.com/KD9YQK/ardopmeshchat/internal/mesh"
)

func main() {
	var debug = pflag.BoolP("debug", "d", false, "Enable debug logging.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - a BATMAN-lite mesh node and chat relay for AX.25 KISS TNCs.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: meshnode [options] config.yaml\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if len(pflag.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one configuration file argument is required.")
		pflag.Usage()
		os.Exit(1)
	}
	configPath := pflag.Arg(0)

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("loading config", "err", err)
	}

	key, err := cfg.Security.Key()
	if err != nil {
		logger.Fatal("parsing security key", "err", err)
	}

	linkCfg := kiss.Config{
		ReconnectBaseDelay: cfg.KISS.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.KISS.ReconnectMaxDelay,
		TXQueueSize:        cfg.KISS.TXQueueSize,
	}

	newTransport := buildTransportFactory(cfg, logger)

	nodeCfg := mesh.Config{
		Callsign:         cfg.Mesh.Callsign,
		MeshDestCallsign: cfg.Mesh.MeshDestCallsign,
		OGMInterval:      cfg.Routing.OGMInterval(),
		OGMTTL:           uint8(cfg.Routing.OGMTTL),
		RouteExpiry:      cfg.Routing.RouteExpiry(),
		NeighborExpiry:   cfg.Routing.NeighborExpiry(),
		DataSeenExpiry:   cfg.Routing.DataSeenExpiry(),
		CleanupInterval:  10 * time.Second,
	}

	// chatapp.NewApp needs the node itself (to learn its node ID and send
	// through it), but mesh.NewNode needs the chat app's OnDeliver method as
	// its callback, so the node is built once without a callback and the
	// chat app is wired in afterward if configured.
	node, err := mesh.NewNode(nodeCfg, linkCfg, newTransport, key, nil, logger)
	if err != nil {
		logger.Fatal("building mesh node", "err", err)
	}

	var store *chatstore.Store
	if cfg.Chat.DBPath != "" {
		store, err = chatstore.Open(cfg.Chat.DBPath)
		if err != nil {
			logger.Fatal("opening chat store", "err", err)
		}
		defer store.Close()

		peers, err := buildPeerDirectory(cfg.Chat.Peers)
		if err != nil {
			logger.Fatal("parsing chat peers", "err", err)
		}

		app := chatapp.NewApp(node, store, peers)
		node.SetAppCallback(app.OnDeliver)
	}

	if cfg.Metrics.ListenAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(node.Metrics())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		defer server.Close()
		logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
	}

	node.Start()
	logger.Info("mesh node started", "callsign", cfg.Mesh.Callsign, "node_id", fmt.Sprintf("%x", node.NodeID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	node.Stop()
}

// buildTransportFactory returns the newTransport closure passed to
// mesh.NewNode, selecting TCP or serial per the configured kiss.transport,
// and wiring in DNS-SD/udev discovery when the corresponding auto-detect
// flag is set.
func buildTransportFactory(cfg *config.Config, logger *log.Logger) func() kiss.Transport {
	switch cfg.KISS.Transport {
	case config.TransportSerial:
		return func() kiss.Transport {
			port := cfg.KISS.SerialPort
			if cfg.KISS.SerialAutoDetect {
				found, err := kiss.WaitForSerialDevice(context.Background())
				if err != nil {
					logger.Warn("serial auto-detect failed; falling back to configured port", "err", err, "port", port)
				} else {
					port = found
				}
			}
			return kiss.NewSerialTransport(port, cfg.KISS.SerialBaud)
		}
	default:
		return func() kiss.Transport {
			host, port := cfg.KISS.TCPHost, cfg.KISS.TCPPort
			if cfg.KISS.TCPDiscover {
				found, foundPort, err := kiss.DiscoverTCPTNC(context.Background(), 10*time.Second)
				if err != nil {
					logger.Warn("tcp tnc discovery failed; falling back to configured address", "err", err, "host", host, "port", port)
				} else {
					host, port = found, foundPort
				}
			}
			return kiss.NewTCPTransport(host, port)
		}
	}
}

// buildPeerDirectory decodes the configured nick -> hex node ID directory
// into the map chatapp.NewApp expects.
func buildPeerDirectory(peers map[string]config.Peer) (map[string]mesh.NodeID, error) {
	out := make(map[string]mesh.NodeID, len(peers))
	for nick, peer := range peers {
		if peer.NodeIDHex == "" {
			continue
		}
		id, err := decodeNodeIDHex(peer.NodeIDHex)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", nick, err)
		}
		out[nick] = id
	}
	return out, nil
}

func decodeNodeIDHex(s string) (mesh.NodeID, error) {
	var id mesh.NodeID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(decoded) != mesh.NodeIDLen {
		return id, fmt.Errorf("node id %q must decode to %d bytes, got %d", s, mesh.NodeIDLen, len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}
