package stats

import "testing"

func TestManagerGetContinuousUsesLatencyBudgetsForReservedName(t *testing.T) {
	m := NewManager("test-latency-budgets", DefaultBudgets())
	s := m.GetContinuous(RequestLatency)
	if s.nWarmupSamples != LatencyWarmupSamples {
		t.Fatalf("warmup = %d, want %d", s.nWarmupSamples, LatencyWarmupSamples)
	}
	if s.nCalibrationSamples != LatencyCalibrationSamples {
		t.Fatalf("calibration = %d, want %d", s.nCalibrationSamples, LatencyCalibrationSamples)
	}
}

func TestManagerGetContinuousUsesDefaultBudgetsOtherwise(t *testing.T) {
	m := NewManager("test-default-budgets", DefaultBudgets())
	s := m.GetContinuous("manager_test_other_stat")
	if s.nWarmupSamples != DefaultWarmupSamples {
		t.Fatalf("warmup = %d, want %d", s.nWarmupSamples, DefaultWarmupSamples)
	}
}

func TestManagerGetContinuousIsGetOrCreate(t *testing.T) {
	m := NewManager("test-get-or-create", DefaultBudgets())
	a := m.GetContinuous("manager_test_getorcreate")
	b := m.GetContinuous("manager_test_getorcreate")
	if a != b {
		t.Fatalf("expected same instance on repeated GetContinuous")
	}
}

func TestManagerGetCounterIsGetOrCreate(t *testing.T) {
	m := NewManager("test-counter-get-or-create", DefaultBudgets())
	a := m.GetCounter("manager_test_counter")
	b := m.GetCounter("manager_test_counter")
	if a != b {
		t.Fatalf("expected same instance on repeated GetCounter")
	}
}

func TestCombinedFoldsAcrossManagers(t *testing.T) {
	name := "manager_test_combined_counter"
	m1 := NewManager("test-combined-1", DefaultBudgets())
	m2 := NewManager("test-combined-2", DefaultBudgets())

	m1.GetCounter(name).Increase(3, "")
	m2.GetCounter(name).Increase(4, "")

	combined := Combined()
	if got := combined.GetCounter(name).Count(); got != 7 {
		t.Fatalf("combined count = %d, want 7", got)
	}
}

func TestManagerExportCountersIncludesContinuousAndCounters(t *testing.T) {
	m := NewManager("test-export", DefaultBudgets())
	m.GetCounter("manager_test_export_counter").Increase(2, "")
	cs := m.GetContinuous("manager_test_export_continuous")
	for i := 0; i < DefaultWarmupSamples+DefaultCalibrationSamples+5; i++ {
		cs.AddSample(float64(i))
	}

	flat := m.ExportCounters()
	if flat["manager_test_export_counter"] != 2 {
		t.Fatalf("export missing counter, got %v", flat)
	}
	if _, ok := flat["manager_test_export_continuous.count"]; !ok {
		t.Fatalf("export missing continuous count, got %v", flat)
	}
}

func TestManagerToJSONProducesValidObject(t *testing.T) {
	m := NewManager("test-json", DefaultBudgets())
	m.GetCounter("manager_test_json_counter").Increase(1, "")

	raw, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON error: %v", err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		t.Fatalf("unexpected JSON output: %s", raw)
	}
}
