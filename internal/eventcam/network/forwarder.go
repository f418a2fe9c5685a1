package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
)

// DropCounter records packets the forwarder had to drop.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors raw camera datagrams to another UDP address so a
// second consumer can watch the same stream. Forwarding never blocks the
// receive loop: when the queue is full the packet is dropped and counted.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	drops       DropCounter
	logInterval time.Duration
	address     string
	closeOnce   sync.Once
	done        chan struct{}
}

// NewPacketForwarder dials the mirror address. queueSize <= 0 uses 1000.
func NewPacketForwarder(address string, queueSize int, drops DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1000
	}
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	if drops == nil {
		drops = noopStats{}
	}

	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, queueSize),
		drops:       drops,
		logInterval: logInterval,
		address:     udpAddr.String(),
		done:        make(chan struct{}),
	}, nil
}

// Start runs the send loop until ctx is cancelled or Close is called.
// Write errors are summarised once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					failed++
					lastError = err
				}
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					monitoring.Logf("Dropped %d forwarded packets due to errors (latest: %v)", failed, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("Forwarding packets to %s", f.address)
}

// ForwardAsync queues a copy of packet without blocking.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.drops.AddDropped()
	}
}

// Address is the resolved mirror destination.
func (f *PacketForwarder) Address() string { return f.address }

// Close stops the send loop and closes the connection.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}
