package hostmetrics

import (
	"testing"

	"github.com/lightstep/treadmill/internal/stats"
)

func TestCheckInterferenceFlagsUserActivityNotAttributableToSelf(t *testing.T) {
	m := stats.NewManager("test-interference-user", stats.Budgets{})
	s := &Sampler{stats: m, UserInterferenceThreshold: 0.01, SystemInterferenceThreshold: 0.02}

	prev := Sample{HostUser: 0, HostSystem: 0, SelfUser: 0, SelfSystem: 0}
	cur := Sample{HostUser: 10, HostSystem: 0, SelfUser: 1, SelfSystem: 0} // 90% unattributed

	s.checkInterference(prev, cur)

	if got := m.GetCounter("interference_detected").SubkeyCount("user"); got != 1 {
		t.Fatalf("interference_detected[user] = %d, want 1", got)
	}
}

func TestCheckInterferenceDoesNotFlagWhenSelfAccountsForActivity(t *testing.T) {
	m := stats.NewManager("test-interference-clean", stats.Budgets{})
	s := &Sampler{stats: m, UserInterferenceThreshold: 0.01, SystemInterferenceThreshold: 0.02}

	prev := Sample{HostUser: 0, HostSystem: 0, SelfUser: 0, SelfSystem: 0}
	cur := Sample{HostUser: 10, HostSystem: 5, SelfUser: 10, SelfSystem: 5}

	s.checkInterference(prev, cur)

	if got := m.GetCounter("interference_detected").Count(); got != 0 {
		t.Fatalf("interference_detected count = %d, want 0", got)
	}
}

func TestCheckInterferenceFlagsStolenTicks(t *testing.T) {
	m := stats.NewManager("test-interference-stolen", stats.Budgets{})
	s := &Sampler{stats: m, UserInterferenceThreshold: 0.01, SystemInterferenceThreshold: 0.02, StolenTicksThreshold: 0.1}

	prev := Sample{HostUser: 10, HostSystem: 5, SelfUser: 10, SelfSystem: 5, HostSteal: 0}
	cur := Sample{HostUser: 20, HostSystem: 10, SelfUser: 20, SelfSystem: 10, HostSteal: 2}

	s.checkInterference(prev, cur)

	if got := m.GetCounter("interference_detected").SubkeyCount("stolen"); got != 1 {
		t.Fatalf("interference_detected[stolen] = %d, want 1", got)
	}
}
