//go:build !linux

package config

// SetAffinity is a no-op on platforms without sched_setaffinity.
func SetAffinity(core int) error { return nil }
