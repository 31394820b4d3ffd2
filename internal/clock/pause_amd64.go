package clock

// pauseHint is implemented in pause_amd64.s using the PAUSE
// instruction, matching the original C++ scheduler's
// asm volatile("pause") spin hint.
func pauseHint()
