package clock

// pauseHint is implemented in pause_arm64.s using the YIELD
// instruction, the arm64 equivalent of x86's PAUSE.
func pauseHint()
