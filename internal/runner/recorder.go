package runner

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"
)

// ThroughputRecorder counts the bytes a run produces. The clock starts at the
// first Record call.
type ThroughputRecorder struct {
	start      atomic.Int64 // unix nanoseconds
	totalBytes atomic.Float64
	lines      atomic.Uint64
}

// Record adds one result of n bytes.
func (tr *ThroughputRecorder) Record(n int) {
	tr.start.CompareAndSwap(0, time.Now().UnixNano())
	tr.totalBytes.Add(float64(n))
	tr.lines.Inc()
}

// Lines returns the number of recorded results.
func (tr *ThroughputRecorder) Lines() uint64 {
	return tr.lines.Load()
}

// Bytes returns the total recorded size.
func (tr *ThroughputRecorder) Bytes() uint64 {
	return uint64(tr.totalBytes.Load())
}

// BytesPerSecond returns the average rate since the first result, or 0
// before anything was recorded.
func (tr *ThroughputRecorder) BytesPerSecond() uint64 {
	start := tr.start.Load()
	if start == 0 {
		return 0
	}
	elapsed := time.Since(time.Unix(0, start)).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return uint64(tr.totalBytes.Load() / elapsed)
}

// AvgThroughput renders BytesPerSecond for humans.
func (tr *ThroughputRecorder) AvgThroughput() string {
	return fmt.Sprintf("%s / second", humanize.Bytes(tr.BytesPerSecond()))
}
