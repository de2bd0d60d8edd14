package confidence

import (
	"testing"

	"github.com/saferemediate/lpe/internal/models"
)

func TestGlobal(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name      string
		available int
		total     int
		want      models.ConfidenceLevel
	}{
		{"all sources up", 4, 4, models.ConfidenceHigh},
		{"three quarters", 3, 4, models.ConfidenceHigh},
		{"half", 2, 4, models.ConfidenceMedium},
		{"one of four", 1, 4, models.ConfidenceLow},
		{"none", 0, 4, models.ConfidenceUnknown},
		{"no sources configured", 0, 0, models.ConfidenceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Global(tt.available, tt.total); got != tt.want {
				t.Errorf("Global(%d, %d) = %s, want %s", tt.available, tt.total, got, tt.want)
			}
		})
	}
}

// Adding sources never lowers the level.
func TestGlobalMonotonic(t *testing.T) {
	e := New(DefaultConfig())
	const total = 8
	prev := e.Global(0, total)
	for available := 1; available <= total; available++ {
		cur := e.Global(available, total)
		if cur.Rank() < prev.Rank() {
			t.Fatalf("confidence dropped from %s to %s at %d/%d", prev, cur, available, total)
		}
		prev = cur
	}
}

func TestForResource(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name            string
		usagePct        float64
		sourceAvailable bool
		want            models.ConfidenceLevel
	}{
		{"strong usage", 92, true, models.ConfidenceHigh},
		{"exactly at high cutoff", 80, true, models.ConfidenceHigh},
		{"moderate usage", 60, true, models.ConfidenceMedium},
		{"weak usage", 10, true, models.ConfidenceLow},
		{"no source forces unknown", 95, false, models.ConfidenceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ForResource(tt.usagePct, tt.sourceAvailable); got != tt.want {
				t.Errorf("ForResource(%v, %v) = %s, want %s", tt.usagePct, tt.sourceAvailable, got, tt.want)
			}
		})
	}
}

func TestOrdinalScale(t *testing.T) {
	order := []models.ConfidenceLevel{
		models.ConfidenceUnknown,
		models.ConfidenceLow,
		models.ConfidenceMedium,
		models.ConfidenceHigh,
	}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if !models.ConfidenceHigh.AtLeast(models.ConfidenceMedium) {
		t.Error("high should be at least medium")
	}
	if models.ConfidenceLow.AtLeast(models.ConfidenceMedium) {
		t.Error("low should not be at least medium")
	}
}

func TestPercent(t *testing.T) {
	if Percent(models.ConfidenceUnknown) != 0 {
		t.Error("unknown must project to 0")
	}
	levels := []models.ConfidenceLevel{
		models.ConfidenceUnknown, models.ConfidenceLow,
		models.ConfidenceMedium, models.ConfidenceHigh,
	}
	for i := 1; i < len(levels); i++ {
		if Percent(levels[i]) <= Percent(levels[i-1]) {
			t.Errorf("Percent(%s) should exceed Percent(%s)", levels[i], levels[i-1])
		}
	}
	for _, l := range levels {
		if f := Fraction(l); f < 0 || f > 1 {
			t.Errorf("Fraction(%s) = %v out of range", l, f)
		}
	}
}
