package timeline

// PositionAt derives "position now" from a snapshot and a wall-clock
// reading in seconds. Pure: every consumer reconstructs a consistent
// position from one shared snapshot plus its local clock, so only edge
// events ever cross the network.
func PositionAt(s State, now float64) float64 {
	if s.EffectivelyPaused() {
		return ClampPosition(s.BasePosition)
	}
	elapsed := now - s.UpdatedAt
	if elapsed < 0 {
		// Snapshot from a clock slightly ahead of ours; don't rewind.
		elapsed = 0
	}
	return ClampPosition(s.BasePosition + elapsed*s.PlayRate)
}

// ProgressAt derives a UI percentage in [0, 100]. Returns 0 while the
// duration is unknown.
func ProgressAt(s State, now float64) float64 {
	if s.Duration <= 0 {
		return 0
	}
	pct := PositionAt(s, now) / s.Duration * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
