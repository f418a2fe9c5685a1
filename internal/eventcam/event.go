package eventcam

import "fmt"

// Polarity values for Event.Polarity.
const (
	Positive = true
	Negative = false
)

// Event is a single decoded sensor event.
type Event struct {
	// Timestamp in microseconds, derived from the frame index.
	Timestamp int64
	X         uint16
	Y         uint16
	// Polarity is true for the positive channel.
	Polarity bool
}

func (e Event) String() string {
	p := "-"
	if e.Polarity {
		p = "+"
	}
	return fmt.Sprintf("t=%d (%d,%d)%s", e.Timestamp, e.X, e.Y, p)
}

// CountPolarity returns the number of positive and negative events.
func CountPolarity(events []Event) (positive, negative int) {
	for i := range events {
		if events[i].Polarity {
			positive++
		}
	}
	return positive, len(events) - positive
}
