package vexport

import "time"

// ExportPhase identifies which stage of the export is running.
type ExportPhase int

const (
	PhaseVideo ExportPhase = iota
	PhaseAudio
	PhaseMuxing
)

func (p ExportPhase) String() string {
	switch p {
	case PhaseVideo:
		return "video"
	case PhaseAudio:
		return "audio"
	case PhaseMuxing:
		return "muxing"
	default:
		return "unknown"
	}
}

// Progress is one export progress report.
type Progress struct {
	Phase ExportPhase

	CurrentFrame int
	TotalFrames  int

	// Percent is overall completion in 0..1 across all phases.
	Percent float64

	// CurrentTime is the composition time of the frame being processed,
	// in microseconds.
	CurrentTime int64

	// EstimatedTimeRemaining is derived from recent per-frame durations.
	// Zero until enough samples have accumulated.
	EstimatedTimeRemaining time.Duration
}

// frameTimerWindow is how many recent frame durations the ETA averages
// over. A rolling window keeps the estimate responsive to encode-speed
// changes mid-export.
const frameTimerWindow = 30

// frameTimer measures per-frame wall time and estimates time remaining
// from a rolling average of the most recent samples.
type frameTimer struct {
	samples [frameTimerWindow]time.Duration
	count   int // Samples recorded, capped at frameTimerWindow
	next    int // Ring write position

	last time.Time
	now  func() time.Time // Injected in tests
}

func newFrameTimer() *frameTimer {
	return &frameTimer{now: time.Now}
}

// start marks the beginning of a frame.
func (t *frameTimer) start() {
	t.last = t.now()
}

// finish records the duration since start.
func (t *frameTimer) finish() {
	if t.last.IsZero() {
		return
	}
	t.samples[t.next] = t.now().Sub(t.last)
	t.next = (t.next + 1) % frameTimerWindow
	if t.count < frameTimerWindow {
		t.count++
	}
	t.last = time.Time{}
}

// estimate returns the projected time to process remaining frames, or
// zero when no samples have been recorded yet.
func (t *frameTimer) estimate(remaining int) time.Duration {
	if t.count == 0 || remaining <= 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < t.count; i++ {
		total += t.samples[i]
	}
	perFrame := total / time.Duration(t.count)
	return perFrame * time.Duration(remaining)
}
