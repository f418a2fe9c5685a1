// Command event-tap connects to the eventcam publisher and prints the
// decoded event stream. With -grpc it subscribes to the gRPC event stream
// instead of the TCP one, and with -status it queries the monitor.
//
// Usage:
//
//	event-tap -addr localhost:7777 [-frames 10] [-events]
//	event-tap -grpc -addr localhost:7778 [-every 10]
//	event-tap -status http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/monitor"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/publish"
)

func main() {
	addr := flag.String("addr", "localhost:7777", "Publisher address")
	frames := flag.Uint64("frames", 0, "Stop after N frames (0 = until interrupted)")
	showEvents := flag.Bool("events", false, "Print every event")
	status := flag.String("status", "", "Print monitor status from this base URL and exit")
	useGRPC := flag.Bool("grpc", false, "Subscribe to the gRPC event stream at -addr")
	every := flag.Uint("every", 0, "With -grpc, receive one frame in every N")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *status != "" {
		if err := printStatus(ctx, *status); err != nil {
			log.Fatal(err)
		}
		return
	}

	open := openTCP
	if *useGRPC {
		open = func(ctx context.Context, addr string) (nextFunc, func(), error) {
			return openGRPC(ctx, addr, uint32(*every))
		}
	}
	if err := tap(ctx, open, *addr, *frames, *showEvents); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// nextFunc returns the next packet, or io.EOF when the publisher ends the
// stream.
type nextFunc func() (publish.Packet, error)

func openTCP(ctx context.Context, addr string) (nextFunc, func(), error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	r := publish.NewReader(conn, 0)
	return r.Next, func() { stop(); conn.Close() }, nil
}

func openGRPC(ctx context.Context, addr string, every uint32) (nextFunc, func(), error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gRPC client for %s: %w", addr, err)
	}
	sub, err := publish.Subscribe(ctx, cc, publish.StreamRequest{Every: every})
	if err != nil {
		cc.Close()
		return nil, nil, err
	}
	return sub.Next, func() { cc.Close() }, nil
}

func printStatus(ctx context.Context, baseURL string) error {
	client := monitor.NewClient(&http.Client{Timeout: 5 * time.Second}, baseURL)
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func tap(ctx context.Context, open func(context.Context, string) (nextFunc, func(), error), addr string, limit uint64, showEvents bool) error {
	next, closeFn, err := open(ctx, addr)
	if err != nil {
		return err
	}
	defer closeFn()
	log.Printf("Connected to %s", addr)

	var n, total uint64
	for limit == 0 || n < limit {
		p, err := next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				log.Printf("Publisher closed the stream")
				break
			}
			return err
		}
		n++
		total += uint64(len(p.Events))

		pos, neg := eventcam.CountPolarity(p.Events)
		fmt.Printf("frame %d: %d events (+%d/-%d)\n", p.FrameIndex, len(p.Events), pos, neg)
		if showEvents {
			for _, e := range p.Events {
				fmt.Printf("  %s\n", e)
			}
		}
	}
	log.Printf("Received %d frames, %d events", n, total)
	return nil
}
