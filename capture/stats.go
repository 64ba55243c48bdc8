package capture

import (
	"time"

	"go.uber.org/atomic"

	"github.com/abihf/framecap/frame"
)

// Stats is a snapshot of the capture counters.
type Stats struct {
	Completed    uint64  `json:"completed"`
	OK           uint64  `json:"ok"`
	Cancelled    uint64  `json:"cancelled"`
	DataMissing  uint64  `json:"data_missing"`
	DataLost     uint64  `json:"data_lost"`
	BadStatus    uint64  `json:"bad_status"`
	Timeouts     uint64  `json:"timeouts"`
	Starvations  uint64  `json:"starvations"`
	Failures     uint64  `json:"failures"`
	LastSequence uint64  `json:"last_sequence"`
	FrameRate    float64 `json:"frame_rate"`

	Buffers frame.Census `json:"buffers"`
}

// Dropped counts frames the device delivered without usable data.
func (s Stats) Dropped() uint64 {
	return s.DataMissing + s.DataLost + s.BadStatus
}

type counters struct {
	completed   atomic.Uint64
	ok          atomic.Uint64
	cancelled   atomic.Uint64
	dataMissing atomic.Uint64
	dataLost    atomic.Uint64
	badStatus   atomic.Uint64
	timeouts    atomic.Uint64
	starvations atomic.Uint64
	failures    atomic.Uint64
	lastSeq     atomic.Uint64
	frameRate   atomic.Float64

	// rate window, capture goroutine only
	windowStart time.Time
	windowCount int
}

func (c *counters) record(info frame.Info) {
	c.completed.Inc()
	c.lastSeq.Store(info.Sequence)
	switch info.Status {
	case frame.StatusOK:
		c.ok.Inc()
	case frame.StatusCancelled:
		c.cancelled.Inc()
	case frame.StatusDataMissing:
		c.dataMissing.Inc()
	case frame.StatusDataLost:
		c.dataLost.Inc()
	default:
		c.badStatus.Inc()
	}

	now := info.HostTimestamp
	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	c.windowCount++
	if elapsed := now.Sub(c.windowStart); elapsed >= time.Second {
		c.frameRate.Store(float64(c.windowCount) / elapsed.Seconds())
		c.windowStart = now
		c.windowCount = 0
	}
}

func (c *counters) resetRate() {
	c.windowStart = time.Time{}
	c.windowCount = 0
	c.frameRate.Store(0)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Completed:    c.completed.Load(),
		OK:           c.ok.Load(),
		Cancelled:    c.cancelled.Load(),
		DataMissing:  c.dataMissing.Load(),
		DataLost:     c.dataLost.Load(),
		BadStatus:    c.badStatus.Load(),
		Timeouts:     c.timeouts.Load(),
		Starvations:  c.starvations.Load(),
		Failures:     c.failures.Load(),
		LastSequence: c.lastSeq.Load(),
		FrameRate:    c.frameRate.Load(),
	}
}
