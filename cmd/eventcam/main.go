// Command eventcam receives bit-packed event-camera frames over UDP or TCP,
// decodes them into events and hands them to the configured outputs: the
// TCP event publisher, the sqlite event store and the HTTP monitor.
//
// Usage:
//
//	eventcam [-config config/eventcam.defaults.json] [flags]
//
// Flags override the matching config file fields. -pcap replays a capture
// through the datagram source instead of binding a socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/eventcam.bridge/internal/config"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/monitor"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/network"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/pipeline"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/publish"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/storage/sqlite"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/unpack"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
	"github.com/banshee-data/eventcam.bridge/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	showVersion  = flag.Bool("version", false, "Print version and exit")
	pcapFile     = flag.String("pcap", "", "Replay UDP frames from a pcap/pcapng file instead of listening")
	pcapRealtime = flag.Bool("pcap-realtime", false, "Pace PCAP replay at capture speed")
	countOnly    = flag.Bool("count-only", false, "Count events per frame without decoding them for sinks")

	protocol    = flag.String("protocol", "", "Camera protocol: udp or tcp")
	cameraIP    = flag.String("camera-ip", "", "UDP bind address or TCP camera address")
	cameraPort  = flag.Int("camera-port", 0, "Camera port")
	width       = flag.Int("width", 0, "Frame width in pixels")
	height      = flag.Int("height", 0, "Frame height in pixels")
	hasHeader   = flag.Bool("header", false, "TCP frames carry a length header")
	headerSize  = flag.Int("header-size", 0, "TCP length header size in bytes")
	msbFirst    = flag.Bool("msb-first", false, "Bit 7 holds the first pixel of each byte")
	posFirst    = flag.Bool("positive-first", true, "Frames are [positive][negative]")
	rowMajor    = flag.Bool("row-major", true, "Pixels are packed row by row")
	intervalUS  = flag.Int64("frame-interval-us", 0, "Microseconds between frames")
	outputPort  = flag.Int("output-port", 0, "Event publisher TCP port (0 in config disables)")
	dbPath      = flag.String("db", "", "SQLite event store path")
	storeEvents = flag.Bool("store-events", false, "Store every event, not just frame summaries")
	forwardAddr = flag.String("forward", "", "Mirror raw UDP packets to host:port")
	monitorAddr = flag.String("monitor", "", "HTTP monitor listen address")
	grpcAddr    = flag.String("grpc", "", "gRPC event stream listen address")
	statsEvery  = flag.Int("stats", 0, "Log statistics every N frames")
	queueDepth  = flag.Int("queue", 0, "Frames buffered between receive and decode")
	verbose     = flag.Bool("verbose", false, "Verbose per-frame logging")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("eventcam", version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	monitoring.SetVerbose(cfg.GetVerbose())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("eventcam: %v", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the config file (if any) and applies explicitly set flags.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "protocol":
			cfg.Protocol = protocol
		case "camera-ip":
			cfg.CameraIP = cameraIP
		case "camera-port":
			cfg.CameraPort = cameraPort
		case "width":
			cfg.Width = width
		case "height":
			cfg.Height = height
		case "header":
			cfg.HasHeader = hasHeader
		case "header-size":
			cfg.HeaderSize = headerSize
		case "msb-first":
			cfg.MSBFirst = msbFirst
		case "positive-first":
			cfg.PositiveFirst = posFirst
		case "row-major":
			cfg.RowMajor = rowMajor
		case "frame-interval-us":
			cfg.FrameIntervalMicros = intervalUS
		case "output-port":
			cfg.OutputPort = outputPort
		case "db":
			cfg.DBPath = dbPath
		case "store-events":
			cfg.StoreEvents = storeEvents
		case "forward":
			cfg.ForwardAddress = forwardAddr
		case "monitor":
			cfg.MonitorListen = monitorAddr
		case "grpc":
			cfg.GRPCListen = grpcAddr
		case "stats":
			cfg.StatsInterval = statsEvery
		case "queue":
			cfg.QueueDepth = queueDepth
		case "verbose":
			cfg.Verbose = verbose
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	geom, err := cfg.Geometry()
	if err != nil {
		return err
	}
	layout := cfg.Layout()
	log.Printf("eventcam %s: %s, layout %s, frame interval %v", version.Version, geom, layout, cfg.FrameInterval())

	stats := monitor.NewFrameStats(timeutil.RealClock{})
	latest := monitor.NewLatestFrame(0)

	srcCfg, err := cfg.SourceConfig()
	if err != nil {
		return err
	}
	srcCfg.Datagram.Stats = stats

	if addr := cfg.GetForwardAddress(); addr != "" {
		fwd, err := network.NewPacketForwarder(addr, 0, stats, 0)
		if err != nil {
			return err
		}
		defer fwd.Close()
		fwd.Start(ctx)
		srcCfg.Datagram.Forwarder = fwd
		log.Printf("Forwarding raw packets to %s", fwd.Address())
	}

	stopOnEOF := false
	if *pcapFile != "" {
		srcCfg.Protocol = network.ProtocolUDP
		srcCfg.Datagram.SocketFactory = &network.PCAPSocketFactory{
			Path:    *pcapFile,
			Options: network.PCAPOptions{Realtime: *pcapRealtime},
		}
		stopOnEOF = true
		log.Printf("Replaying %s (port %d, realtime=%v)", *pcapFile, cfg.GetCameraPort(), *pcapRealtime)
	}

	src, err := network.NewFrameSource(srcCfg)
	if err != nil {
		return err
	}

	sinks := []pipeline.Sink{latest}
	var admin monitor.AdminRoutes

	if path := cfg.GetDBPath(); path != "" {
		store, err := sqlite.Open(path, sqlite.Options{StoreEvents: cfg.GetStoreEvents()})
		if err != nil {
			return err
		}
		defer store.Close()
		if _, err := store.StartSession(ctx, sqlite.SessionMeta{
			Geometry:      geom,
			Layout:        layout,
			FrameInterval: cfg.FrameInterval(),
			Protocol:      string(srcCfg.Protocol),
			SourceAddress: cfg.CameraAddress(),
		}); err != nil {
			return err
		}
		defer func() {
			if err := store.EndSession(context.Background()); err != nil {
				log.Printf("Failed to close session: %v", err)
			}
		}()
		sinks = append(sinks, store)
		admin = store
	}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if addr := cfg.OutputAddress(); addr != "" {
		pub, err := publish.Listen(publish.Config{Address: addr})
		if err != nil {
			return err
		}
		defer pub.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Serve(ctx); err != nil {
				log.Printf("Publisher error: %v", err)
			}
		}()
		sinks = append(sinks, pub)
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		gs := publish.NewGRPCServer(publish.GRPCConfig{Address: addr})
		defer gs.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gs.Start(ctx); err != nil {
				log.Printf("gRPC publisher error: %v", err)
			}
		}()
		sinks = append(sinks, gs)
	}

	if addr := cfg.GetMonitorListen(); addr != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:  addr,
			Stats:    stats,
			Latest:   latest,
			Geometry: geom,
			Source: monitor.SourceInfo{
				Protocol:  string(srcCfg.Protocol),
				Address:   cfg.CameraAddress(),
				FrameSize: geom.FrameSize(),
				Layout:    layout.String(),
			},
			Admin: admin,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("Monitor server error: %v", err)
			}
		}()
	}

	p, err := pipeline.New(pipeline.Config{
		Source:         src,
		Unpacker:       unpack.New(geom, layout, cfg.FrameInterval()),
		Sinks:          sinks,
		Stats:          stats,
		StatsEvery:     uint64(cfg.GetStatsInterval()),
		QueueDepth:     cfg.GetQueueDepth(),
		ReconnectDelay: cfg.GetReconnectDelay(),
		MaxReconnects:  cfg.GetMaxReconnects(),
		StopOnEOF:      stopOnEOF,
		CountOnly:      *countOnly,
	})
	if err != nil {
		return err
	}

	err = p.Run(ctx)
	stats.LogStats()
	log.Printf("Stopped after %d frames (%d skipped)", p.FramesDecoded(), p.FramesSkipped())
	cancel()
	return err
}
