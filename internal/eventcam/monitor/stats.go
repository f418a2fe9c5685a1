package monitor

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/timeutil"
)

const (
	// DefaultHistorySize bounds the snapshot history used by the rate chart.
	DefaultHistorySize = 300
	// DefaultFrameWindow bounds the per-frame event counts kept for
	// distribution statistics between resets.
	DefaultFrameWindow = 10_000
)

// StatsSnapshot is the rate summary for one reporting interval.
type StatsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	IntervalSeconds float64   `json:"interval_seconds"`

	FramesPerSec  float64 `json:"frames_per_sec"`
	EventsPerSec  float64 `json:"events_per_sec"`
	PacketsPerSec float64 `json:"packets_per_sec"`
	MBPerSec      float64 `json:"mb_per_sec"`

	Frames         int64 `json:"frames"`
	Events         int64 `json:"events"`
	PositiveEvents int64 `json:"positive_events"`
	SkippedFrames  int64 `json:"skipped_frames"`
	SinkErrors     int64 `json:"sink_errors"`
	Reconnects     int64 `json:"reconnects"`
	DiscardedBytes int64 `json:"discarded_bytes"`
	ForwardDrops   int64 `json:"forward_drops"`

	EventsPerFrameMean   float64 `json:"events_per_frame_mean"`
	EventsPerFrameStdDev float64 `json:"events_per_frame_stddev"`
	EventsPerFrameMax    float64 `json:"events_per_frame_max"`
}

// Totals are cumulative counters since the stats were created.
type Totals struct {
	Frames         int64 `json:"frames"`
	Events         int64 `json:"events"`
	Bytes          int64 `json:"bytes"`
	SkippedFrames  int64 `json:"skipped_frames"`
	SinkErrors     int64 `json:"sink_errors"`
	Reconnects     int64 `json:"reconnects"`
	DiscardedBytes int64 `json:"discarded_bytes"`
	ForwardDrops   int64 `json:"forward_drops"`
}

// FrameStats tracks converter throughput with thread-safe operations. It
// satisfies the packet accounting interfaces of the network package and
// the pipeline's stats hook.
type FrameStats struct {
	mu    sync.Mutex
	clock timeutil.Clock

	packets    int64
	bytes      int64
	discarded  int64
	dropped    int64
	frames     int64
	events     int64
	positive   int64
	skipped    int64
	sinkErrors int64
	reconnects int64
	perFrame   []float64

	totals      Totals
	lastReset   time.Time
	startTime   time.Time
	latest      *StatsSnapshot
	history     []StatsSnapshot
	historySize int
	frameWindow int
}

// NewFrameStats creates stats using clock (nil = real clock).
func NewFrameStats(clock timeutil.Clock) *FrameStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &FrameStats{
		clock:       clock,
		lastReset:   now,
		startTime:   now,
		historySize: DefaultHistorySize,
		frameWindow: DefaultFrameWindow,
	}
}

// AddPacket counts one received datagram or stream read.
func (fs *FrameStats) AddPacket(bytes int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.packets++
	fs.bytes += int64(bytes)
	fs.totals.Bytes += int64(bytes)
}

// AddDiscarded counts datagram overflow bytes.
func (fs *FrameStats) AddDiscarded(bytes int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.discarded += int64(bytes)
	fs.totals.DiscardedBytes += int64(bytes)
}

// AddDropped counts a packet the forwarder could not queue.
func (fs *FrameStats) AddDropped() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dropped++
	fs.totals.ForwardDrops++
}

// AddFrame records one decoded frame.
func (fs *FrameStats) AddFrame(events, positive int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames++
	fs.events += int64(events)
	fs.positive += int64(positive)
	fs.totals.Frames++
	fs.totals.Events += int64(events)
	if len(fs.perFrame) < fs.frameWindow {
		fs.perFrame = append(fs.perFrame, float64(events))
	}
}

// AddSkipped records a frame that was received but not decoded.
func (fs *FrameStats) AddSkipped() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.skipped++
	fs.totals.SkippedFrames++
}

// AddSinkError records a failed sink write.
func (fs *FrameStats) AddSinkError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sinkErrors++
	fs.totals.SinkErrors++
}

// AddReconnect records a source reconnect.
func (fs *FrameStats) AddReconnect() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.reconnects++
	fs.totals.Reconnects++
}

// GetAndReset summarises the interval since the last reset, appends it to
// the history and clears the interval counters.
func (fs *FrameStats) GetAndReset() StatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := fs.clock.Now()
	secs := now.Sub(fs.lastReset).Seconds()

	snap := StatsSnapshot{
		Timestamp:       now,
		IntervalSeconds: secs,
		Frames:          fs.frames,
		Events:          fs.events,
		PositiveEvents:  fs.positive,
		SkippedFrames:   fs.skipped,
		SinkErrors:      fs.sinkErrors,
		Reconnects:      fs.reconnects,
		DiscardedBytes:  fs.discarded,
		ForwardDrops:    fs.dropped,
	}
	if secs > 0 {
		snap.FramesPerSec = float64(fs.frames) / secs
		snap.EventsPerSec = float64(fs.events) / secs
		snap.PacketsPerSec = float64(fs.packets) / secs
		snap.MBPerSec = float64(fs.bytes) / secs / (1024 * 1024)
	}
	if len(fs.perFrame) > 0 {
		snap.EventsPerFrameMean, snap.EventsPerFrameStdDev = stat.MeanStdDev(fs.perFrame, nil)
		snap.EventsPerFrameMax = floats.Max(fs.perFrame)
		if len(fs.perFrame) == 1 {
			snap.EventsPerFrameStdDev = 0
		}
	}

	fs.packets, fs.bytes, fs.discarded, fs.dropped = 0, 0, 0, 0
	fs.frames, fs.events, fs.positive = 0, 0, 0
	fs.skipped, fs.sinkErrors, fs.reconnects = 0, 0, 0
	fs.perFrame = fs.perFrame[:0]
	fs.lastReset = now

	fs.latest = &snap
	fs.history = append(fs.history, snap)
	if over := len(fs.history) - fs.historySize; over > 0 {
		fs.history = append(fs.history[:0], fs.history[over:]...)
	}
	return snap
}

// LogStats resets the interval and logs a one-line summary.
func (fs *FrameStats) LogStats() {
	snap := fs.GetAndReset()
	if snap.Frames == 0 && snap.SkippedFrames == 0 && snap.Reconnects == 0 {
		return
	}
	msg := fmt.Sprintf("Stats: %s frames, %s events (%.1f fps, %s events/s, %.2f MB/s, %.1f±%.1f events/frame)",
		FormatWithCommas(snap.Frames), FormatWithCommas(snap.Events),
		snap.FramesPerSec, FormatWithCommas(int64(snap.EventsPerSec)), snap.MBPerSec,
		snap.EventsPerFrameMean, snap.EventsPerFrameStdDev)
	if snap.SkippedFrames > 0 {
		msg += fmt.Sprintf(", %d skipped", snap.SkippedFrames)
	}
	if snap.DiscardedBytes > 0 {
		msg += fmt.Sprintf(", %d bytes discarded", snap.DiscardedBytes)
	}
	if snap.ForwardDrops > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", snap.ForwardDrops)
	}
	if snap.SinkErrors > 0 {
		msg += fmt.Sprintf(", %d sink errors", snap.SinkErrors)
	}
	if snap.Reconnects > 0 {
		msg += fmt.Sprintf(", %d reconnects", snap.Reconnects)
	}
	monitoring.Logf("%s", msg)
}

// LatestSnapshot returns a copy of the most recent snapshot, or nil.
func (fs *FrameStats) LatestSnapshot() *StatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.latest == nil {
		return nil
	}
	snap := *fs.latest
	return &snap
}

// History returns a copy of the retained snapshots, oldest first.
func (fs *FrameStats) History() []StatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]StatsSnapshot, len(fs.history))
	copy(out, fs.history)
	return out
}

// Totals returns the cumulative counters.
func (fs *FrameStats) Totals() Totals {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.totals
}

// Uptime is the time since the stats were created.
func (fs *FrameStats) Uptime() time.Duration {
	return fs.clock.Since(fs.startTime)
}

// FormatWithCommas formats a number with thousands separators
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := n < 0
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	result := make([]byte, 0, len(str)+len(str)/3+1)
	if neg {
		result = append(result, '-')
	}
	for i := 0; i < len(str); i++ {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, str[i])
	}
	return string(result)
}
