package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks replay statistics using lock-free atomic counters.
type Collector struct {
	entriesReplayed atomic.Int64
	entriesSkipped  atomic.Int64
	entriesFailed   atomic.Int64
	bytesCopied     atomic.Int64
	bytesZeroed     atomic.Int64
	bytesSkipped    atomic.Int64
	entriesTotal    atomic.Int64
	bytesTotal      atomic.Int64
	entriesVerified atomic.Int64
	verifyFailed    atomic.Int64
	startTime       time.Time

	// Ring buffer, written only by the presenter's Tick.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the replay plan (called once before replay starts).
func (c *Collector) SetTotals(entries, bytes int64) {
	c.entriesTotal.Store(entries)
	c.bytesTotal.Store(bytes)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	EntriesReplayed int64
	EntriesSkipped  int64
	EntriesFailed   int64
	BytesCopied     int64
	BytesZeroed     int64
	BytesSkipped    int64
	EntriesTotal    int64
	BytesTotal      int64
	EntriesVerified int64
	VerifyFailed    int64
	Elapsed         time.Duration
}

func (c *Collector) AddEntriesReplayed(n int64) { c.entriesReplayed.Add(n) }
func (c *Collector) AddEntriesSkipped(n int64)  { c.entriesSkipped.Add(n) }
func (c *Collector) AddEntriesFailed(n int64)   { c.entriesFailed.Add(n) }
func (c *Collector) AddBytesCopied(n int64)     { c.bytesCopied.Add(n) }
func (c *Collector) AddBytesZeroed(n int64)     { c.bytesZeroed.Add(n) }
func (c *Collector) AddBytesSkipped(n int64)    { c.bytesSkipped.Add(n) }
func (c *Collector) AddEntriesVerified(n int64) { c.entriesVerified.Add(n) }
func (c *Collector) AddVerifyFailed(n int64)    { c.verifyFailed.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EntriesReplayed: c.entriesReplayed.Load(),
		EntriesSkipped:  c.entriesSkipped.Load(),
		EntriesFailed:   c.entriesFailed.Load(),
		BytesCopied:     c.bytesCopied.Load(),
		BytesZeroed:     c.bytesZeroed.Load(),
		BytesSkipped:    c.bytesSkipped.Load(),
		EntriesTotal:    c.entriesTotal.Load(),
		BytesTotal:      c.bytesTotal.Load(),
		EntriesVerified: c.entriesVerified.Load(),
		VerifyFailed:    c.verifyFailed.Load(),
		Elapsed:         c.Elapsed(),
	}
}

// Written is the number of bytes that reached the device, copied or zeroed.
func (s Snapshot) Written() int64 { return s.BytesCopied + s.BytesZeroed }

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	current := c.bytesCopied.Load() + c.bytesZeroed.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesCopied.Load() - c.bytesZeroed.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"replayed=%d skipped=%d failed=%d copied=%d zeroed=%d",
		s.EntriesReplayed, s.EntriesSkipped, s.EntriesFailed,
		s.BytesCopied, s.BytesZeroed,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
