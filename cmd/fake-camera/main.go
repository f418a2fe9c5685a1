// Command fake-camera simulates the event camera. It packs synthetic frames
// and sends them to a converter over UDP (split into datagrams) or TCP
// (optionally with a length header), or records them to a pcap file for
// later replay with eventcam -pcap.
//
// Usage:
//
//	fake-camera -addr 127.0.0.1:5000 -fps 500 -pattern circles
//	fake-camera -record frames.pcap -frames 1000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/network"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/synthetic"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
)

func main() {
	proto := flag.String("protocol", "udp", "Transport: udp or tcp")
	addr := flag.String("addr", "127.0.0.1:5000", "Converter address")
	width := flag.Int("width", 1280, "Frame width in pixels")
	height := flag.Int("height", 780, "Frame height in pixels")
	fps := flag.Int("fps", 500, "Target frames per second (0 = unthrottled)")
	packetSize := flag.Int("packet-size", 8192, "UDP payload bytes per datagram")
	frames := flag.Uint64("frames", 0, "Frames to send (0 = until interrupted)")
	pattern := flag.String("pattern", "circles", "Frame pattern: circles, sparse or random")
	seed := flag.Int64("seed", 1, "Random seed for sparse and random patterns")
	header := flag.Bool("header", false, "Prefix TCP frames with a length header")
	headerSize := flag.Int("header-size", 4, "Length header size in bytes")
	msbFirst := flag.Bool("msb-first", false, "Pack the first pixel of each byte into bit 7")
	positiveFirst := flag.Bool("positive-first", true, "Send the positive channel first")
	rowMajor := flag.Bool("row-major", true, "Pack pixels row by row")
	sndBuf := flag.Int("sndbuf", 4*1024*1024, "Socket send buffer in bytes")
	statsEvery := flag.Int("stats", 100, "Log throughput every N frames (0 disables)")
	record := flag.String("record", "", "Write frames as UDP packets to this pcap file instead of sending")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	monitoring.SetVerbose(*verbose)

	geom, err := eventcam.NewGeometry(*width, *height)
	if err != nil {
		log.Fatalf("Invalid geometry: %v", err)
	}
	pat, err := synthetic.ParsePattern(*pattern)
	if err != nil {
		log.Fatal(err)
	}
	layout := eventcam.Layout{MSBFirst: *msbFirst, PositiveFirst: *positiveFirst, RowMajor: *rowMajor}
	gen := synthetic.NewGenerator(geom, layout, pat, *seed)

	log.Printf("Fake camera: %s, layout %s, pattern %s", geom, layout, pat)

	if *record != "" {
		n := *frames
		if n == 0 {
			n = 1000
		}
		if err := recordPCAP(*record, *addr, gen, geom, n, *fps, *packetSize); err != nil {
			log.Fatalf("Recording failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender, err := synthetic.NewSender(synthetic.SenderConfig{
		Protocol:   *proto,
		Address:    *addr,
		PacketSize: *packetSize,
		FPS:        *fps,
		HasHeader:  *header,
		HeaderSize: *headerSize,
		SndBuf:     *sndBuf,
		StatsEvery: *statsEvery,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer sender.Close()

	log.Printf("Sending to %s %s at %d fps", *proto, *addr, *fps)
	start := time.Now()
	err = sender.Run(ctx, gen, *frames)
	log.Printf("Sent %d frames in %v", sender.FramesSent(), time.Since(start).Round(time.Millisecond))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// recordPCAP writes n frames as UDP packets addressed to dst, timestamped at
// the requested frame rate.
func recordPCAP(path, dst string, gen *synthetic.Generator, geom eventcam.Geometry, n uint64, fps, packetSize int) error {
	dstAddr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dst, err)
	}
	if dstAddr.IP == nil {
		dstAddr.IP = net.IPv4(127, 0, 0, 1)
	}
	srcAddr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 40000}

	w, err := network.CreatePCAP(path, srcAddr, dstAddr)
	if err != nil {
		return err
	}

	interval := time.Second / 500
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	if packetSize <= 0 {
		packetSize = 8192
	}

	ts := time.Now()
	for i := uint64(0); i < n; i++ {
		frame := gen.Frame(i)
		for off := 0; off < len(frame); off += packetSize {
			end := min(off+packetSize, len(frame))
			if err := w.WritePacket(frame[off:end], ts); err != nil {
				w.Close()
				return err
			}
		}
		ts = ts.Add(interval)
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Printf("Recorded %d frames (%d bytes each) to %s", n, geom.FrameSize(), path)
	return nil
}
