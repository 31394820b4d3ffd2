//go:build !amd64 && !arm64

package clock

// pauseHint is a bare busy-loop no-op on architectures without a known
// spin hint instruction. Timing fidelity degrades but correctness does
// not.
func pauseHint() {}
