package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/network"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/unpack"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
)

// Sink consumes the events of one decoded frame. The events slice is reused
// after WriteEvents returns, so sinks must copy anything they keep.
type Sink interface {
	WriteEvents(frameIndex uint64, events []eventcam.Event) error
}

// Stats receives per-frame accounting.
type Stats interface {
	AddFrame(events, positive int)
	AddSkipped()
	AddSinkError()
	AddReconnect()
	LogStats()
}

type noopStats struct{}

func (noopStats) AddFrame(int, int) {}
func (noopStats) AddSkipped()       {}
func (noopStats) AddSinkError()     {}
func (noopStats) AddReconnect()     {}
func (noopStats) LogStats()         {}

// Config wires a Pipeline.
type Config struct {
	Source   network.FrameSource
	Unpacker *unpack.Unpacker
	Sinks    []Sink
	Stats    Stats
	// StatsEvery logs stats after this many decoded frames (0 disables).
	StatsEvery uint64
	// QueueDepth > 0 decouples receiving from decoding with a bounded queue
	// of frame copies.
	QueueDepth     int
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive reconnect attempts. Negative means
	// unlimited, zero fails on the first error.
	MaxReconnects int
	// StopOnEOF ends Run cleanly when the source reports end of input, as
	// a PCAP replay does.
	StopOnEOF bool
	// CountOnly tallies set bits per frame without materialising events.
	// Sinks are not called.
	CountOnly bool
	Clock     timeutil.Clock
}

// Pipeline moves frames from a source to sinks.
type Pipeline struct {
	cfg      Config
	src      network.FrameSource
	unpacker *unpack.Unpacker
	stats    Stats
	clock    timeutil.Clock

	failures   int
	frameIndex uint64
	events     []eventcam.Event
	decoded    atomic.Uint64
	skipped    atomic.Uint64

	pool sync.Pool
}

// New validates cfg and returns an idle pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: source is required")
	}
	if cfg.Unpacker == nil {
		return nil, errors.New("pipeline: unpacker is required")
	}
	if cfg.ReconnectDelay < 0 {
		return nil, fmt.Errorf("pipeline: negative reconnect delay %v", cfg.ReconnectDelay)
	}
	if cfg.Source.FrameSize() != cfg.Unpacker.FrameSize() {
		monitoring.Logf("Warning: source frame size %d differs from unpacker frame size %d",
			cfg.Source.FrameSize(), cfg.Unpacker.FrameSize())
	}

	p := &Pipeline{
		cfg:      cfg,
		src:      cfg.Source,
		unpacker: cfg.Unpacker,
		stats:    cfg.Stats,
		clock:    cfg.Clock,
	}
	if p.stats == nil {
		p.stats = noopStats{}
	}
	if p.clock == nil {
		p.clock = timeutil.RealClock{}
	}
	size := cfg.Unpacker.FrameSize()
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p, nil
}

// FramesDecoded is the number of frames handed to the sinks.
func (p *Pipeline) FramesDecoded() uint64 { return p.decoded.Load() }

// FramesSkipped counts frames dropped for having the wrong length.
func (p *Pipeline) FramesSkipped() uint64 { return p.skipped.Load() }

// Run connects the source and processes frames until ctx is cancelled, the
// reconnect policy gives up, or (with StopOnEOF) the input ends. The source
// is disconnected on return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.src.Disconnect()

	if p.cfg.QueueDepth <= 0 {
		stop := context.AfterFunc(ctx, func() { p.src.Disconnect() })
		defer stop()
		return p.receive(ctx, func(frame []byte) error {
			p.process(frame)
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { p.src.Disconnect() })
	defer stop()

	queue := make(chan *[]byte, p.cfg.QueueDepth)
	g.Go(func() error {
		defer close(queue)
		return p.receive(gctx, func(frame []byte) error {
			buf := p.pool.Get().(*[]byte)
			if cap(*buf) < len(frame) {
				*buf = make([]byte, len(frame))
			}
			*buf = (*buf)[:len(frame)]
			copy(*buf, frame)
			select {
			case queue <- buf:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	g.Go(func() error {
		for buf := range queue {
			p.process(*buf)
			p.pool.Put(buf)
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// receive runs the connect/read/reconnect loop, handing each frame to
// handle.
func (p *Pipeline) receive(ctx context.Context, handle func([]byte) error) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	for {
		frame, err := p.src.ReceiveFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.cfg.StopOnEOF && errors.Is(err, io.EOF) {
				monitoring.Logf("Input ended after %d frames", p.src.TotalFramesReceived())
				return nil
			}
			monitoring.Logf("Receive failed: %v", err)
			if err := p.backoff(ctx, err); err != nil {
				return err
			}
			if err := p.connect(ctx); err != nil {
				return err
			}
			continue
		}
		p.failures = 0
		if err := handle(frame); err != nil {
			return err
		}
	}
}

func (p *Pipeline) connect(ctx context.Context) error {
	for {
		err := p.src.Connect(ctx)
		if err == nil {
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Logf("Connect failed: %v", err)
		if err := p.backoff(ctx, err); err != nil {
			return err
		}
	}
}

// backoff applies the reconnect policy after cause, sleeping for the
// reconnect delay when another attempt is allowed.
func (p *Pipeline) backoff(ctx context.Context, cause error) error {
	if limit := p.cfg.MaxReconnects; limit >= 0 && p.failures >= limit {
		return fmt.Errorf("giving up after %d reconnect attempts: %w", p.failures, cause)
	}
	p.failures++
	p.stats.AddReconnect()
	monitoring.Logf("Reconnecting in %v (attempt %d)", p.cfg.ReconnectDelay, p.failures)
	return p.clock.SleepUntil(ctx, p.clock.Now().Add(p.cfg.ReconnectDelay))
}

func (p *Pipeline) process(frame []byte) {
	if len(frame) != p.unpacker.FrameSize() {
		p.skipped.Add(1)
		p.stats.AddSkipped()
		monitoring.Debugf("Skipping %d-byte frame, want %d", len(frame), p.unpacker.FrameSize())
		return
	}

	idx := p.frameIndex
	p.frameIndex++
	if p.cfg.CountOnly {
		positive, negative := p.unpacker.CountEvents(frame)
		p.stats.AddFrame(positive+negative, positive)
		monitoring.Debugf("Frame %d: %d positive, %d negative", idx, positive, negative)
	} else {
		p.events = p.unpacker.UnpackInto(p.events, frame, idx)
		positive, negative := eventcam.CountPolarity(p.events)
		p.stats.AddFrame(len(p.events), positive)
		monitoring.Debugf("Frame %d: %d events (%d positive, %d negative)", idx, len(p.events), positive, negative)

		for _, sink := range p.cfg.Sinks {
			if err := sink.WriteEvents(idx, p.events); err != nil {
				p.stats.AddSinkError()
				monitoring.Logf("Sink %T failed on frame %d: %v", sink, idx, err)
			}
		}
	}

	n := p.decoded.Add(1)
	if p.cfg.StatsEvery > 0 && n%p.cfg.StatsEvery == 0 {
		p.stats.LogStats()
	}
}
