//go:build linux

package config

import "golang.org/x/sys/unix"

// SetAffinity pins the calling OS thread to core. Callers must have
// already locked the goroutine to its OS thread (runtime.LockOSThread)
// for this to have the intended effect, since Go otherwise freely
// migrates goroutines across threads.
func SetAffinity(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
