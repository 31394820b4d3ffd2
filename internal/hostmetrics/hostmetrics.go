// Package hostmetrics samples host and self CPU/memory usage using
// gopsutil instead of hand-rolled syscall.Getrusage/proc parsing. It
// also implements an interference check before trusting a
// measurement: if the host's own CPU accounting shows more activity
// than this process accounts for, the sample is suspect.
package hostmetrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/lightstep/treadmill/internal/stats"
)

func pid() int { return os.Getpid() }

// Sample is a snapshot of self-process and host-wide CPU time, in
// seconds, and self-process resident memory, in bytes.
type Sample struct {
	Timestamp  time.Time
	SelfUser   float64
	SelfSystem float64
	HostUser   float64
	HostSystem float64
	HostIdle   float64
	HostSteal  float64
	RSSBytes   uint64
}

// Sampler periodically snapshots this process's and the host's CPU
// usage and publishes interference-detection counters into a
// stats.Manager.
type Sampler struct {
	proc     *gopsprocess.Process
	stats    *stats.Manager
	prev     Sample
	havePrev bool

	// UserInterferenceThreshold and SystemInterferenceThreshold bound
	// the fraction of host CPU activity not attributable to this
	// process before a sample is flagged as interfered-with. Default
	// to 0.01/0.02.
	UserInterferenceThreshold   float64
	SystemInterferenceThreshold float64

	// StolenTicksThreshold bounds how many seconds of hypervisor steal
	// time may accumulate between samples before a sample is flagged
	// as interfered-with. Default to 0 (any steal time flags).
	StolenTicksThreshold float64
}

// NewSampler builds a Sampler for the current process, publishing
// interference and resource counters into m.
func NewSampler(m *stats.Manager) (*Sampler, error) {
	p, err := gopsprocess.NewProcess(int32(pid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		proc:                        p,
		stats:                       m,
		UserInterferenceThreshold:   0.01,
		SystemInterferenceThreshold: 0.02,
	}, nil
}

// Sample takes a new Sample, records this process's own user and
// system CPU seconds and resident memory into the manager's continuous
// statistics ("host_cpu_user_seconds", "host_cpu_system_seconds",
// "self_rss_bytes"),
// and — if a previous sample exists — runs the interference check
// between the two, incrementing "interference_detected" by kind
// ("user", "system", "stolen") when host activity outpaces what this
// process alone accounts for, or the hypervisor steals ticks outright.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	times, err := s.proc.TimesWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	hostTimes, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return Sample{}, err
	}

	cur := Sample{Timestamp: time.Now(), SelfUser: times.User, SelfSystem: times.System, RSSBytes: mem.RSS}
	if len(hostTimes) > 0 {
		cur.HostUser = hostTimes[0].User
		cur.HostSystem = hostTimes[0].System
		cur.HostIdle = hostTimes[0].Idle
		cur.HostSteal = hostTimes[0].Steal
	}

	s.stats.GetContinuous("host_cpu_user_seconds").AddSample(cur.SelfUser)
	s.stats.GetContinuous("host_cpu_system_seconds").AddSample(cur.SelfSystem)
	s.stats.GetContinuous("self_rss_bytes").AddSample(float64(cur.RSSBytes))

	if s.havePrev {
		s.checkInterference(s.prev, cur)
	}
	s.prev = cur
	s.havePrev = true
	return cur, nil
}

// checkInterference compares the deltas in host-wide CPU time against
// this process's own deltas over the same interval: if the host
// consumed materially more user or system time than this process did,
// or the hypervisor stole ticks from this VM outright, something else
// was competing for CPU during the measurement window.
func (s *Sampler) checkInterference(prev, cur Sample) {
	hostUserDelta := cur.HostUser - prev.HostUser
	hostSysDelta := cur.HostSystem - prev.HostSystem
	selfUserDelta := cur.SelfUser - prev.SelfUser
	selfSysDelta := cur.SelfSystem - prev.SelfSystem
	stolenDelta := cur.HostSteal - prev.HostSteal

	if hostUserDelta > 0 {
		other := hostUserDelta - selfUserDelta
		if other/hostUserDelta > s.UserInterferenceThreshold {
			s.stats.GetCounter("interference_detected").Increase(1, "user")
		}
	}
	if hostSysDelta > 0 {
		other := hostSysDelta - selfSysDelta
		if other/hostSysDelta > s.SystemInterferenceThreshold {
			s.stats.GetCounter("interference_detected").Increase(1, "system")
		}
	}
	if stolenDelta > s.StolenTicksThreshold {
		s.stats.GetCounter("interference_detected").Increase(1, "stolen")
	}
}

// Run samples every interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}
