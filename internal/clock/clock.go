// Package clock provides the nanosecond-precision monotonic timing
// primitive the scheduler uses for spin-wait pacing. Sleep-family
// primitives cannot deliver the sub-microsecond precision the Poisson
// generator needs, so waiting here means spinning.
package clock

import "time"

var epoch = time.Now()

// NowNs returns monotonic nanoseconds since an arbitrary process-local
// epoch. It is non-decreasing across calls.
func NowNs() int64 {
	return time.Since(epoch).Nanoseconds()
}

// WaitNs busy-loops until at least n nanoseconds have elapsed since the
// call was entered. It never sleeps or yields the processor; on amd64
// and arm64 it emits a CPU pause/yield hint each iteration to reduce
// the cost of the spin on hyperthreaded cores.
func WaitNs(n int64) {
	if n <= 0 {
		return
	}
	start := NowNs()
	for NowNs()-start < n {
		pauseHint()
	}
}
