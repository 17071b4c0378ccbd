package timeline

import (
	"testing"
)

func TestPositionAtPlaying(t *testing.T) {
	tests := []struct {
		name  string
		state State
		now   float64
		want  float64
	}{
		{
			name:  "unit rate",
			state: State{IsPlaying: true, BasePosition: 10.0, PlayRate: 1.0, UpdatedAt: 100.0},
			now:   103.0,
			want:  13.0,
		},
		{
			name:  "double rate",
			state: State{IsPlaying: true, BasePosition: 10.0, PlayRate: 2.0, UpdatedAt: 100.0},
			now:   102.5,
			want:  15.0,
		},
		{
			name:  "paused ignores elapsed time",
			state: State{IsPlaying: false, BasePosition: 42.0, PlayRate: 1.0, UpdatedAt: 100.0},
			now:   500.0,
			want:  42.0,
		},
		{
			name:  "rate zero is an effective pause",
			state: State{IsPlaying: true, BasePosition: 7.0, PlayRate: 0, UpdatedAt: 100.0},
			now:   200.0,
			want:  7.0,
		},
		{
			name:  "clock behind snapshot does not rewind",
			state: State{IsPlaying: true, BasePosition: 5.0, PlayRate: 1.0, UpdatedAt: 100.0},
			now:   99.0,
			want:  5.0,
		},
		{
			name:  "never below zero",
			state: State{IsPlaying: false, BasePosition: -3.0},
			now:   100.0,
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionAt(tt.state, tt.now)
			if got != tt.want {
				t.Errorf("PositionAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPositionAtMonotonic(t *testing.T) {
	s := State{IsPlaying: true, BasePosition: 3.0, PlayRate: 1.5, UpdatedAt: 50.0}

	prev := PositionAt(s, 50.0)
	for now := 50.1; now < 60.0; now += 0.37 {
		got := PositionAt(s, now)
		if got < prev {
			t.Fatalf("position went backwards: %v after %v at now=%v", got, prev, now)
		}
		prev = got
	}
}

func TestProgressAt(t *testing.T) {
	s := State{IsPlaying: true, BasePosition: 50.0, PlayRate: 1.0, UpdatedAt: 0, Duration: 100.0}

	if got := ProgressAt(s, 25.0); got != 75.0 {
		t.Errorf("ProgressAt() = %v, want 75", got)
	}
	// Extrapolated past the end: capped at 100%.
	if got := ProgressAt(s, 500.0); got != 100.0 {
		t.Errorf("ProgressAt() past end = %v, want 100", got)
	}
	// Unknown duration yields no percentage.
	s.Duration = 0
	if got := ProgressAt(s, 25.0); got != 0 {
		t.Errorf("ProgressAt() without duration = %v, want 0", got)
	}
}
