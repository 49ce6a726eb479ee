package transfer

import (
	"testing"
	"time"
)

func TestBackoffDelayClampsToMax(t *testing.T) {
	base := 5 * time.Second
	max := 60 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := BackoffDelay(attempt, base, max)
		upperBound := time.Duration(float64(max) * 1.2)
		if d > upperBound {
			t.Fatalf("attempt %d: delay %v exceeds jittered max %v", attempt, d, upperBound)
		}
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
	}
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	base := 1 * time.Second
	max := 1 * time.Hour

	// attempt 0 is always within [0.8s, 1.2s]; attempt 4 (base<<4 = 16s) is
	// always within [12.8s, 19.2s]. The ranges don't overlap, so the
	// comparison holds regardless of jitter.
	attempt0 := BackoffDelay(0, base, max)
	attempt4 := BackoffDelay(4, base, max)
	if attempt0 > time.Duration(1.2*float64(time.Second)) {
		t.Fatalf("attempt 0 delay %v exceeds its jittered bound", attempt0)
	}
	if attempt4 < time.Duration(12.8*float64(time.Second)) {
		t.Fatalf("attempt 4 delay %v below its jittered bound", attempt4)
	}
	if attempt4 <= attempt0 {
		t.Fatalf("expected attempt 4 delay %v to exceed attempt 0 delay %v", attempt4, attempt0)
	}
}
