package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
)

// The gRPC service carries the same EventPacket messages as the TCP stream:
//
//	service EventService {
//	  rpc StreamEvents(StreamRequest) returns (stream EventPacket);
//	}
//	message StreamRequest {
//	  uint32 every = 1; // send one frame in every N (0 or 1 = all)
//	}
const (
	eventServiceName   = "eventcam.EventService"
	streamEventsMethod = "/" + eventServiceName + "/StreamEvents"

	requestEvery protowire.Number = 1
)

// StreamRequest selects which frames a gRPC subscriber receives.
type StreamRequest struct {
	// Every sends only frames whose index is a multiple of Every.
	Every uint32
}

func (r *StreamRequest) marshal() []byte {
	if r.Every == 0 {
		return nil
	}
	b := protowire.AppendTag(nil, requestEvery, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.Every))
}

func (r *StreamRequest) unmarshal(b []byte) error {
	*r = StreamRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("request tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == requestEvery && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("every: %w", protowire.ParseError(n))
			}
			r.Every = uint32(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// rawMessage holds an already encoded EventPacket.
type rawMessage struct {
	b []byte
}

// wireCodec moves protowire-encoded messages through gRPC without
// generated types. It registers under "proto" so generated clients of the
// same service interoperate.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawMessage:
		return m.b, nil
	case *StreamRequest:
		return m.marshal(), nil
	default:
		return nil, fmt.Errorf("publish: cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *rawMessage:
		m.b = append(m.b[:0], data...)
		return nil
	case *StreamRequest:
		return m.unmarshal(data)
	default:
		return fmt.Errorf("publish: cannot unmarshal into %T", v)
	}
}

// eventStreamer is the handler type of the service description.
type eventStreamer interface {
	streamEvents(req *StreamRequest, stream grpc.ServerStream) error
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*eventStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamEvents",
		Handler:       streamEventsHandler,
		ServerStreams: true,
	}},
	Metadata: "eventcam.proto",
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(eventStreamer).streamEvents(req, stream)
}

// GRPCConfig configures a GRPCServer.
type GRPCConfig struct {
	// Address is the TCP host:port used by Start.
	Address string
	// QueueSize bounds each subscriber's backlog of frames.
	QueueSize int
	// MaxClients limits concurrent subscribers (0 = unlimited).
	MaxClients int
	// MaxMsgSize bounds one encoded packet (default DefaultMaxPacketSize).
	MaxMsgSize int
}

// GRPCServer streams event packets to gRPC subscribers. Like Server it is
// a pipeline sink and never blocks on a slow subscriber.
type GRPCServer struct {
	cfg    GRPCConfig
	server *grpc.Server

	subs   map[uint64]*subscriber
	subsMu sync.RWMutex
	nextID uint64

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	subCount      atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
}

type subscriber struct {
	id      uint64
	every   uint64
	frameCh chan []byte
}

// NewGRPCServer builds a server with the event service registered.
func NewGRPCServer(cfg GRPCConfig) *GRPCServer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = DefaultMaxPacketSize
	}
	s := &GRPCServer{
		cfg:    cfg,
		subs:   make(map[uint64]*subscriber),
		stopCh: make(chan struct{}),
	}
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(wireCodec{}),
		grpc.MaxSendMsgSize(cfg.MaxMsgSize),
	)
	s.server.RegisterService(&eventServiceDesc, s)
	s.running.Store(true)
	return s
}

// Start listens on cfg.Address and serves until ctx is cancelled.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled or Close is called.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	monitoring.Logf("[Publish] gRPC event stream on %s", lis.Addr())
	err := s.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) || !s.running.Load() {
		return nil
	}
	return err
}

func (s *GRPCServer) streamEvents(req *StreamRequest, stream grpc.ServerStream) error {
	sub, err := s.subscribe(req)
	if err != nil {
		return err
	}
	defer s.unsubscribe(sub.id)

	ctx := stream.Context()
	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		remote = p.Addr.String()
	}
	monitoring.Logf("[Publish] gRPC subscriber %d connected: %s (every=%d)", sub.id, remote, sub.every)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Publish] gRPC subscriber %d gone: %v", sub.id, ctx.Err())
			return status.FromContextError(ctx.Err()).Err()
		case <-s.stopCh:
			return status.Error(codes.Unavailable, "event publisher stopped")
		case b := <-sub.frameCh:
			if err := stream.SendMsg(&rawMessage{b: b}); err != nil {
				return err
			}
		}
	}
}

func (s *GRPCServer) subscribe(req *StreamRequest) (*subscriber, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if !s.running.Load() {
		return nil, status.Error(codes.Unavailable, "event publisher stopped")
	}
	if limit := s.cfg.MaxClients; limit > 0 && len(s.subs) >= limit {
		return nil, status.Errorf(codes.ResourceExhausted, "%d subscribers connected", limit)
	}
	every := uint64(req.Every)
	if every == 0 {
		every = 1
	}
	s.nextID++
	sub := &subscriber{
		id:      s.nextID,
		every:   every,
		frameCh: make(chan []byte, s.cfg.QueueSize),
	}
	s.subs[sub.id] = sub
	s.subCount.Add(1)
	return sub, nil
}

func (s *GRPCServer) unsubscribe(id uint64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[id]; ok {
		delete(s.subs, id)
		s.subCount.Add(-1)
	}
}

// WriteEvents encodes the frame at most once and queues it for every
// subscriber that wants it.
func (s *GRPCServer) WriteEvents(frameIndex uint64, events []eventcam.Event) error {
	if !s.running.Load() {
		return eventcam.ErrConnectionClosed
	}
	s.frameCount.Add(1)

	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	var msg []byte
	for _, sub := range s.subs {
		if frameIndex%sub.every != 0 {
			continue
		}
		if msg == nil {
			msg = AppendPacket(make([]byte, 0, PacketSize(frameIndex, events)), frameIndex, events)
		}
		select {
		case sub.frameCh <- msg:
		default:
			dropped := s.droppedFrames.Add(1)
			monitoring.Debugf("[Publish] Dropped frame %d for gRPC subscriber %d (total dropped: %d)", frameIndex, sub.id, dropped)
		}
	}
	return nil
}

// Clients is the number of active subscribers.
func (s *GRPCServer) Clients() int { return int(s.subCount.Load()) }

// Dropped counts frames dropped because a subscriber's queue was full.
func (s *GRPCServer) Dropped() uint64 { return s.droppedFrames.Load() }

// Frames counts frames handed to WriteEvents.
func (s *GRPCServer) Frames() uint64 { return s.frameCount.Load() }

// Close ends every stream and stops the gRPC server. It is idempotent.
func (s *GRPCServer) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stopCh)
	s.server.Stop()
	monitoring.Logf("[Publish] gRPC server stopped (frames=%d dropped=%d)", s.frameCount.Load(), s.droppedFrames.Load())
	return nil
}

// Subscription reads packets from a gRPC event stream.
type Subscription struct {
	stream grpc.ClientStream
	msg    rawMessage
}

// Subscribe opens a StreamEvents call on cc.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface, req StreamRequest) (*Subscription, error) {
	stream, err := cc.NewStream(ctx, &eventServiceDesc.Streams[0], streamEventsMethod,
		grpc.ForceCodec(wireCodec{}),
		grpc.MaxCallRecvMsgSize(DefaultMaxPacketSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("failed to send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}
	return &Subscription{stream: stream}, nil
}

// Next blocks for the next packet. It returns io.EOF when the server ends
// the stream cleanly and a gRPC status error otherwise.
func (s *Subscription) Next() (Packet, error) {
	if err := s.stream.RecvMsg(&s.msg); err != nil {
		return Packet{}, err
	}
	return DecodePacket(s.msg.b)
}
