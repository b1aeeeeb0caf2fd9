package emptypage

import "testing"

func TestNewTracker_InvalidCeiling(t *testing.T) {
	for _, ceiling := range []int{0, -1} {
		if _, err := NewTracker(ceiling); err == nil {
			t.Errorf("NewTracker(%d) expected error", ceiling)
		}
	}
}

func TestTracker_StreakCycles(t *testing.T) {
	tracker, err := NewTracker(3)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	want := []int{1, 2, 3, 0}
	wantCycle := []bool{false, false, false, true}
	for i := range want {
		cycle := tracker.OnFetchCompleted(true, true)
		if got := tracker.EmptyStreak(); got != want[i] {
			t.Errorf("fetch %d: EmptyStreak() = %d, want %d", i+1, got, want[i])
		}
		if cycle != wantCycle[i] {
			t.Errorf("fetch %d: cycleCompleted = %v, want %v", i+1, cycle, wantCycle[i])
		}
	}
}

func TestTracker_NonEmptyResets(t *testing.T) {
	tests := []struct {
		name        string
		emptyBefore int
	}{
		{name: "from zero", emptyBefore: 0},
		{name: "mid streak", emptyBefore: 2},
		{name: "at ceiling", emptyBefore: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := NewTracker(3)
			for i := 0; i < tt.emptyBefore; i++ {
				tracker.OnFetchCompleted(true, true)
			}

			tracker.OnFetchCompleted(false, true)
			if got := tracker.EmptyStreak(); got != 0 {
				t.Errorf("EmptyStreak() = %d after non-empty page, want 0", got)
			}
		})
	}
}

func TestTracker_FreshCursorIgnored(t *testing.T) {
	tracker, _ := NewTracker(3)

	for i := 0; i < 5; i++ {
		tracker.OnFetchCompleted(true, false)
	}
	if got := tracker.EmptyStreak(); got != 0 {
		t.Errorf("EmptyStreak() = %d on fresh cursor, want 0", got)
	}

	tracker.OnFetchCompleted(true, true)
	tracker.OnFetchCompleted(true, false)
	if got := tracker.EmptyStreak(); got != 1 {
		t.Errorf("EmptyStreak() = %d, want fresh-cursor page to leave it at 1", got)
	}
}
