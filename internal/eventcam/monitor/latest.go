package monitor

import (
	"sync"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
)

// DefaultMaxSnapshotEvents caps the events kept for the frame snapshot.
const DefaultMaxSnapshotEvents = 20_000

// LatestFrame keeps a strided copy of the most recently decoded frame for
// the snapshot endpoint. It is a pipeline sink.
type LatestFrame struct {
	mu        sync.Mutex
	maxEvents int
	index     uint64
	total     int
	events    []eventcam.Event
	seen      bool
}

// NewLatestFrame returns an empty recorder. maxEvents <= 0 uses
// DefaultMaxSnapshotEvents.
func NewLatestFrame(maxEvents int) *LatestFrame {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxSnapshotEvents
	}
	return &LatestFrame{maxEvents: maxEvents}
}

// WriteEvents replaces the stored frame.
func (l *LatestFrame) WriteEvents(frameIndex uint64, events []eventcam.Event) error {
	stride := 1
	if len(events) > l.maxEvents {
		stride = (len(events) + l.maxEvents - 1) / l.maxEvents
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.index = frameIndex
	l.total = len(events)
	l.seen = true
	l.events = l.events[:0]
	for i := 0; i < len(events); i += stride {
		l.events = append(l.events, events[i])
	}
	return nil
}

// Snapshot returns the stored frame index, its full event count and a copy
// of the kept events. ok is false before the first frame.
func (l *LatestFrame) Snapshot() (frameIndex uint64, total int, events []eventcam.Event, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.seen {
		return 0, 0, nil, false
	}
	out := make([]eventcam.Event, len(l.events))
	copy(out, l.events)
	return l.index, l.total, out, true
}
