// Package session holds the pure timing, proctoring and grading rules of an
// exam attempt. Nothing here performs I/O; the service layer persists the
// values these functions compute.
package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Elapsed returns the whole seconds from `from` to `now`, floored. A clock
// that runs backwards yields 0.
func Elapsed(from, now time.Time) int {
	d := now.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// Remaining computes the seconds left given the stored remaining value and
// the instant it was last settled. If more than a whole exam duration has
// passed since lastActivityAt the anchor is treated as stale and
// storedRemaining is returned unchanged.
func Remaining(cfg *model.ExamConfig, lastActivityAt time.Time, storedRemaining int, now time.Time) int {
	elapsed := Elapsed(lastActivityAt, now)
	if elapsed > cfg.DurationSeconds {
		return storedRemaining
	}
	if r := storedRemaining - elapsed; r > 0 {
		return r
	}
	return 0
}

// ClockState is the persisted timing state of one attempt.
type ClockState struct {
	StartedAt           time.Time
	LastActivityAt      time.Time
	StoredRemaining     int
	TotalOfflineSeconds int
	WentOfflineAt       *time.Time
}

// StateOf extracts the clock state of an attempt.
func StateOf(a *model.Attempt) ClockState {
	return ClockState{
		StartedAt:           a.StartedAt,
		LastActivityAt:      a.LastActivityAt,
		StoredRemaining:     a.TimeRemainingSeconds,
		TotalOfflineSeconds: a.TotalOfflineSeconds,
		WentOfflineAt:       a.WentOfflineAt,
	}
}

// HardDeadline is the latest wall-clock instant an attempt can still be
// running: the full duration plus the whole offline grace budget.
func HardDeadline(cfg *model.ExamConfig, st ClockState) time.Time {
	return st.StartedAt.Add(time.Duration(cfg.DurationSeconds+cfg.OfflineGraceSeconds) * time.Second)
}

// Settle computes the remaining seconds at now and the anchor to persist
// alongside it. Seconds covered by offline grace do not count down. The
// anchor only advances by whole elapsed seconds so repeated settles never
// drift in the student's favour.
//
// Recovery, heartbeat and the sweep all go through Settle so they always
// agree on whether time is up.
func Settle(cfg *model.ExamConfig, st ClockState, now time.Time) (remaining int, anchor time.Time) {
	if !now.Before(HardDeadline(cfg, st)) {
		return 0, now
	}

	tracker := OfflineTracker{TotalOfflineSeconds: st.TotalOfflineSeconds, WentOfflineAt: st.WentOfflineAt}
	paused := tracker.PausedSince(st.LastActivityAt, now, cfg.OfflineGraceSeconds)
	shifted := st.LastActivityAt.Add(time.Duration(paused) * time.Second)

	elapsed := Elapsed(shifted, now)
	if elapsed > cfg.DurationSeconds {
		return st.StoredRemaining, now
	}
	return Remaining(cfg, shifted, st.StoredRemaining, now), shifted.Add(time.Duration(elapsed) * time.Second)
}

// AttemptRemaining is Settle without the anchor.
func AttemptRemaining(cfg *model.ExamConfig, st ClockState, now time.Time) int {
	r, _ := Settle(cfg, st, now)
	return r
}

// SubmitDeadline is the last instant a client submission is accepted:
// start + duration + offline time already credited + the in-progress offline
// spell's covered seconds + grace for clock skew and latency.
func SubmitDeadline(cfg *model.ExamConfig, st ClockState, grace time.Duration, now time.Time) time.Time {
	tracker := OfflineTracker{TotalOfflineSeconds: st.TotalOfflineSeconds, WentOfflineAt: st.WentOfflineAt}
	credited := st.TotalOfflineSeconds
	if tracker.IsOffline() {
		credited += tracker.PausedSince(*st.WentOfflineAt, now, cfg.OfflineGraceSeconds)
	}
	return st.StartedAt.Add(time.Duration(cfg.DurationSeconds+credited)*time.Second + grace)
}
