package vecadd

import (
	"fmt"
	"time"

	"github.com/cwbudde/clvecadd/internal/cl"
)

// Labels of the printed intervals.
const (
	LabelQueueToStart = "Queue to start"
	LabelExecution    = "Kernel execution"
	LabelValidation   = "Host validation"
)

// Sample is the profiling record of one kernel dispatch.
type Sample struct {
	Iteration    int           `json:"iteration"`
	LocalSize    int           `json:"localSize"`
	Times        cl.EventTimes `json:"times"`
	QueueLatency time.Duration `json:"queueLatencyNs"`
	Kernel       time.Duration `json:"kernelNs"`
}

func newSample(iteration, local int, t cl.EventTimes) Sample {
	return Sample{
		Iteration:    iteration,
		LocalSize:    local,
		Times:        t,
		QueueLatency: t.QueueLatency(),
		Kernel:       t.Duration(),
	}
}

// Split decomposes d into whole milliseconds, the remaining whole
// microseconds and the remaining nanoseconds.
func Split(d time.Duration) (ms, us, ns int64) {
	n := d.Nanoseconds()
	if n < 0 {
		n = 0
	}
	return n / 1e6, (n / 1e3) % 1e3, n % 1e3
}

// FormatDuration renders "<label>: <ms> ms, <us> us, <ns> ns".
func FormatDuration(label string, d time.Duration) string {
	ms, us, ns := Split(d)
	return fmt.Sprintf("%s: %d ms, %d us, %d ns", label, ms, us, ns)
}
