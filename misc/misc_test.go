package misc

import (
	"testing"
	"time"
)

func TestFailCounter(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		incTimes int
		want     bool
	}{
		{name: "under threshold", max: 3, incTimes: 2, want: false},
		{name: "at threshold", max: 3, incTimes: 3, want: true},
		{name: "past threshold caps at max", max: 3, incTimes: 10, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := NewFailCounter(tt.max)
			for i := 0; i < tt.incTimes; i++ {
				fc.Inc()
			}
			if got := fc.Exceeded(); got != tt.want {
				t.Errorf("Exceeded() = %v, want %v", got, tt.want)
			}
			if tt.incTimes > tt.max && fc.Count() != tt.max {
				t.Errorf("Count() = %v, want capped at %v", fc.Count(), tt.max)
			}
		})
	}
}

func TestSleeperStaysWithinJitterBounds(t *testing.T) {
	s := NewSleeper(1, 2, 50)
	start := time.Now()
	s.Sleep()
	elapsed := time.Since(start)
	if elapsed < 0 || elapsed > 4*time.Second {
		t.Errorf("Sleep() took %v, want within jittered bounds of the 1-2s window", elapsed)
	}
}

func TestLockMap(t *testing.T) {
	lm := NewLockMap[int](nil)
	v := 42
	lm.Set("a", &v)
	if got := lm.Get("a"); got == nil || *got != 42 {
		t.Errorf("Get() = %v, want 42", got)
	}
	if lm.Len() != 1 {
		t.Errorf("Len() = %d, want 1", lm.Len())
	}
	lm.Delete("a")
	if got := lm.Get("a"); got != nil {
		t.Errorf("Get() after delete = %v, want nil", got)
	}
}
