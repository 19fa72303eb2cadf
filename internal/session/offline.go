package session

import "time"

// OfflineTracker accounts offline time against a capped grace budget.
// Durations always come from server timestamps.
type OfflineTracker struct {
	TotalOfflineSeconds int
	WentOfflineAt       *time.Time
}

// OnlineResult is the outcome of MarkOnline.
type OnlineResult struct {
	Added int `json:"added"`
	Total int `json:"total"`
}

// IsOffline reports whether an offline spell is open.
func (t *OfflineTracker) IsOffline() bool {
	return t.WentOfflineAt != nil
}

// MarkOffline opens an offline spell. Duplicate network-drop events are
// ignored; the return value reports whether the state changed.
func (t *OfflineTracker) MarkOffline(now time.Time) bool {
	if t.WentOfflineAt != nil {
		return false
	}
	at := now
	t.WentOfflineAt = &at
	return true
}

// MarkOnline closes the open spell and credits at most the remaining grace.
// Offline time beyond the budget is never credited retroactively.
func (t *OfflineTracker) MarkOnline(now time.Time, graceLimitSeconds int) OnlineResult {
	if t.WentOfflineAt == nil {
		return OnlineResult{Added: 0, Total: t.TotalOfflineSeconds}
	}

	duration := Elapsed(*t.WentOfflineAt, now)
	added := min(duration, t.RemainingGrace(graceLimitSeconds))

	t.TotalOfflineSeconds += added
	t.WentOfflineAt = nil
	return OnlineResult{Added: added, Total: t.TotalOfflineSeconds}
}

// RemainingGrace is the unspent budget, ignoring any open spell.
func (t *OfflineTracker) RemainingGrace(graceLimitSeconds int) int {
	return max(0, graceLimitSeconds-t.TotalOfflineSeconds)
}

// PausedSince returns how many whole seconds of [from, now] the main timer is
// paused for. Seconds of the open spell before `from` are assumed to have
// been paused already and are charged against the budget first.
func (t *OfflineTracker) PausedSince(from, now time.Time, graceLimitSeconds int) int {
	if t.WentOfflineAt == nil {
		return 0
	}

	start := *t.WentOfflineAt
	consumed := 0
	if from.After(start) {
		consumed = Elapsed(start, from)
		start = from
	}

	available := t.RemainingGrace(graceLimitSeconds) - consumed
	if available <= 0 {
		return 0
	}
	return min(Elapsed(start, now), available)
}
