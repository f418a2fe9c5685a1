package publish

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
)

// DefaultAddress is the default publish endpoint.
const DefaultAddress = ":7777"

// DefaultQueueSize is the per-client backlog of encoded frames.
const DefaultQueueSize = 16

// Config configures a Server.
type Config struct {
	// Address is the TCP host:port to listen on.
	Address string
	// QueueSize bounds each client's backlog. A full queue drops the frame
	// for that client only.
	QueueSize int
	// MaxClients limits concurrent clients (0 = unlimited).
	MaxClients int
	// WriteTimeout bounds each socket write (0 = none).
	WriteTimeout time.Duration
}

// Server streams encoded event packets to every connected TCP client. It
// implements the pipeline sink interface.
type Server struct {
	cfg      Config
	listener net.Listener

	clients   map[uint64]*client
	clientsMu sync.RWMutex
	nextID    uint64

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	running atomic.Bool
	wg      sync.WaitGroup
}

type client struct {
	id      uint64
	conn    net.Conn
	frameCh chan []byte
	doneCh  chan struct{}
}

// Listen binds the server socket. Clients are accepted once Serve runs.
func Listen(cfg Config) (*Server, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	monitoring.Logf("[Publish] Listening on %s", lis.Addr())

	s := &Server{
		cfg:      cfg,
		listener: lis,
		clients:  make(map[uint64]*client),
	}
	s.running.Store(true)
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts clients until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if limit := s.cfg.MaxClients; limit > 0 && s.Clients() >= limit {
			monitoring.Logf("[Publish] Rejecting %s: %d clients connected", conn.RemoteAddr(), limit)
			conn.Close()
			continue
		}
		s.addClient(conn)
	}
}

func (s *Server) addClient(conn net.Conn) {
	s.clientsMu.Lock()
	if !s.running.Load() {
		s.clientsMu.Unlock()
		conn.Close()
		return
	}
	s.nextID++
	c := &client{
		id:      s.nextID,
		conn:    conn,
		frameCh: make(chan []byte, s.cfg.QueueSize),
		doneCh:  make(chan struct{}),
	}
	s.clients[c.id] = c
	s.wg.Add(2)
	s.clientsMu.Unlock()

	n := s.clientCount.Add(1)
	monitoring.Logf("[Publish] Client connected: %s (total: %d)", conn.RemoteAddr(), n)

	go s.writeLoop(c)
	go s.watchClose(c)
}

// writeLoop drains one client's queue onto its socket.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c.id)

	for {
		select {
		case <-c.doneCh:
			return
		case msg := <-c.frameCh:
			if s.cfg.WriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if _, err := c.conn.Write(msg); err != nil {
				monitoring.Debugf("[Publish] Write to %s failed: %v", c.conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// watchClose notices a client hanging up. Clients are not expected to send
// anything, so any read result ends the connection.
func (s *Server) watchClose(c *client) {
	defer s.wg.Done()
	var b [1]byte
	_, _ = c.conn.Read(b[:])
	s.removeClient(c.id)
}

func (s *Server) removeClient(id uint64) {
	s.clientsMu.Lock()
	c, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	close(c.doneCh)
	c.conn.Close()
	n := s.clientCount.Add(-1)
	monitoring.Logf("[Publish] Client disconnected: %s (remaining: %d)", c.conn.RemoteAddr(), n)
}

// WriteEvents encodes the frame once and queues it for every client.
// It never blocks on a slow client.
func (s *Server) WriteEvents(frameIndex uint64, events []eventcam.Event) error {
	if !s.running.Load() {
		return eventcam.ErrConnectionClosed
	}
	s.frameCount.Add(1)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return nil
	}

	msg := AppendDelimited(make([]byte, 0, PacketSize(frameIndex, events)+binary.MaxVarintLen64), frameIndex, events)
	for _, c := range s.clients {
		select {
		case c.frameCh <- msg:
		default:
			dropped := s.droppedFrames.Add(1)
			monitoring.Debugf("[Publish] Dropped frame %d for %s (total dropped: %d)", frameIndex, c.conn.RemoteAddr(), dropped)
		}
	}
	return nil
}

// Clients is the number of connected clients.
func (s *Server) Clients() int { return int(s.clientCount.Load()) }

// Dropped counts frames dropped across all clients because their queue was full.
func (s *Server) Dropped() uint64 { return s.droppedFrames.Load() }

// Frames counts frames handed to WriteEvents.
func (s *Server) Frames() uint64 { return s.frameCount.Load() }

// Close stops accepting, disconnects every client and waits for the client
// goroutines. It is idempotent.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.listener.Close()

	s.clientsMu.RLock()
	ids := make([]uint64, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()
	for _, id := range ids {
		s.removeClient(id)
	}

	s.wg.Wait()
	monitoring.Logf("[Publish] Server stopped (frames=%d dropped=%d)", s.frameCount.Load(), s.droppedFrames.Load())
	return err
}
