package alerts

import (
	"testing"
	"time"

	"github.com/radarflight/fleetsync/pkg/logger"
)

func newTestAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	agg, err := New(cfg, log)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}
	return agg
}

func keys(alerts []Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Key)
	}
	return out
}

func TestConflictKeyIsOrderIndependent(t *testing.T) {
	a := ConflictKey("AF123", "BA456", "ALTITUDE")
	b := ConflictKey("BA456", "AF123", "ALTITUDE")
	if a != b {
		t.Errorf("participant order must not matter: %q vs %q", a, b)
	}
	if a != "conflict:AF123-BA456:altitude" {
		t.Errorf("unexpected key shape: %q", a)
	}
}

func TestMergeOrdersBySeverityThenRecency(t *testing.T) {
	agg := newTestAggregator(t, Config{})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	agg.now = func() time.Time { return current }

	w1 := Alert{Key: WeatherKey("w1"), Kind: KindWeather, Severity: SeverityMedium}
	c1 := Alert{Key: ConflictKey("A", "B", ""), Kind: KindConflict, Severity: SeverityCritical}

	agg.Update("weather", []Alert{w1})
	current = base.Add(time.Second)
	merged := agg.Update("conflicts", []Alert{c1})

	got := keys(merged)
	want := []string{c1.Key, w1.Key}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected critical conflict first, got %v", got)
	}
}

func TestMergeBreaksSeverityTiesByRecency(t *testing.T) {
	agg := newTestAggregator(t, Config{})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	agg.now = func() time.Time { return current }

	agg.Update("weather", []Alert{{Key: WeatherKey("old"), Severity: SeverityHigh}})
	current = base.Add(time.Second)
	merged := agg.Update("conflicts", []Alert{{Key: ConflictKey("A", "B", ""), Severity: SeverityHigh}})

	got := keys(merged)
	if got[0] != "conflict:A-B" {
		t.Errorf("expected the more recently observed alert first, got %v", got)
	}
}

func TestAbsenceResolvesWithDefaultWindow(t *testing.T) {
	agg := newTestAggregator(t, Config{})

	agg.Update("weather", []Alert{{Key: WeatherKey("w1"), Severity: SeverityLow}})
	merged := agg.Update("weather", nil)

	if len(merged) != 0 {
		t.Errorf("expected w1 to be dropped after one missed snapshot, got %v", keys(merged))
	}
}

func TestAbsenceConfirmationWindow(t *testing.T) {
	agg := newTestAggregator(t, Config{ResolveAfterMisses: 2})

	agg.Update("weather", []Alert{{Key: WeatherKey("w1"), Severity: SeverityLow}})

	// First miss: not yet confirmed, the alert stays visible
	merged := agg.Update("weather", nil)
	if len(merged) != 1 {
		t.Fatalf("expected w1 to survive one miss, got %v", keys(merged))
	}

	// Reappearance resets the counter
	agg.Update("weather", []Alert{{Key: WeatherKey("w1"), Severity: SeverityLow}})
	merged = agg.Update("weather", nil)
	if len(merged) != 1 {
		t.Fatalf("expected miss counter to reset on reappearance, got %v", keys(merged))
	}

	// Second consecutive miss confirms resolution
	merged = agg.Update("weather", nil)
	if len(merged) != 0 {
		t.Errorf("expected w1 resolved after two consecutive misses, got %v", keys(merged))
	}
}

func TestFirstSeenSurvivesReobservation(t *testing.T) {
	agg := newTestAggregator(t, Config{})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	agg.now = func() time.Time { return current }

	agg.Update("weather", []Alert{{Key: WeatherKey("w1"), Severity: SeverityLow}})

	current = base.Add(30 * time.Second)
	merged := agg.Update("weather", []Alert{{Key: WeatherKey("w1"), Severity: SeverityLow}})

	if !merged[0].FirstSeen.Equal(base) {
		t.Errorf("expected first-seen %v to persist, got %v", base, merged[0].FirstSeen)
	}
	if !merged[0].ObservedAt.Equal(current) {
		t.Errorf("expected observed-at to track the latest snapshot, got %v", merged[0].ObservedAt)
	}
}

func TestUpdateIgnoresKeylessAlerts(t *testing.T) {
	agg := newTestAggregator(t, Config{})

	merged := agg.Update("weather", []Alert{{Description: "no key"}})
	if len(merged) != 0 {
		t.Errorf("expected keyless alerts to be dropped, got %v", keys(merged))
	}
}

func TestParseSeverity(t *testing.T) {
	for wire, want := range map[string]Severity{
		"LOW": SeverityLow, "MEDIUM": SeverityMedium,
		"HIGH": SeverityHigh, "CRITICAL": SeverityCritical,
	} {
		got, err := ParseSeverity(wire)
		if err != nil || got != want {
			t.Errorf("ParseSeverity(%q) = %v, %v", wire, got, err)
		}
	}
	if _, err := ParseSeverity("SEVERE"); err == nil {
		t.Error("expected unknown severity to be rejected")
	}
}
