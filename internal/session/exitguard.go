package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExitPhase is the fullscreen sub-state of an active attempt.
type ExitPhase string

const (
	PhaseNormal      ExitPhase = "normal"
	PhaseExitPending ExitPhase = "exit_pending"
	PhaseAutoSubmit  ExitPhase = "auto_submit"
)

// ExitGuard counts fullscreen exits against max_exits and runs the
// return-to-fullscreen countdown.
//
//	Normal --exit--> ExitPending --return--> Normal
//	                 ExitPending --deadline--> AutoSubmit
//	Normal --Nth exit--> AutoSubmit
type ExitGuard struct {
	MaxExits          int
	WarningSeconds    int
	ExitCount         int
	WindowSwitchCount int
	PendingSince      *time.Time
	phase             ExitPhase
}

// ExitTransition describes what one event did to the guard.
type ExitTransition struct {
	From      ExitPhase
	To        ExitPhase
	Counted   bool
	ExitCount int
	Deadline  *time.Time
	Reason    model.AutoSubmitReason
}

// Changed reports whether the event moved the guard.
func (t ExitTransition) Changed() bool {
	return t.From != t.To || t.Counted
}

// NewExitGuard rebuilds the guard from persisted attempt state.
func NewExitGuard(cfg *model.ExamConfig, a *model.Attempt) *ExitGuard {
	g := &ExitGuard{
		MaxExits:          cfg.MaxExits,
		WarningSeconds:    cfg.ExitWarningSeconds,
		ExitCount:         a.ExitCount,
		WindowSwitchCount: a.WindowSwitchCount,
		PendingSince:      a.ExitPendingSince,
		phase:             PhaseNormal,
	}
	if a.ExitPendingSince != nil {
		g.phase = PhaseExitPending
	}
	return g
}

// Phase returns the current phase.
func (g *ExitGuard) Phase() ExitPhase {
	return g.phase
}

// Deadline returns when the open countdown elapses, or nil.
func (g *ExitGuard) Deadline() *time.Time {
	if g.PendingSince == nil {
		return nil
	}
	d := g.PendingSince.Add(time.Duration(g.WarningSeconds) * time.Second)
	return &d
}

// FullscreenExit handles a fullscreen-loss event. A second exit while a
// countdown is already running is the same underlying exit and is ignored.
func (g *ExitGuard) FullscreenExit(now time.Time) ExitTransition {
	t := ExitTransition{From: g.phase, To: g.phase, ExitCount: g.ExitCount}
	if g.phase != PhaseNormal {
		t.Deadline = g.Deadline()
		return t
	}

	g.ExitCount++
	t.Counted = true
	t.ExitCount = g.ExitCount

	if g.MaxExits > 0 && g.ExitCount >= g.MaxExits {
		g.phase = PhaseAutoSubmit
		t.To = g.phase
		t.Reason = model.AutoSubmitMaxExits
		return t
	}

	at := now
	g.PendingSince = &at
	g.phase = PhaseExitPending
	t.To = g.phase
	t.Deadline = g.Deadline()
	return t
}

// FullscreenReturn cancels the countdown if it has not elapsed yet.
func (g *ExitGuard) FullscreenReturn(now time.Time) ExitTransition {
	t := ExitTransition{From: g.phase, To: g.phase, ExitCount: g.ExitCount}
	if g.phase != PhaseExitPending {
		return t
	}
	if g.expired(now) {
		return g.autoSubmitOnTimeout(t)
	}

	g.PendingSince = nil
	g.phase = PhaseNormal
	t.To = g.phase
	return t
}

// Tick fires the countdown if it has elapsed.
func (g *ExitGuard) Tick(now time.Time) ExitTransition {
	t := ExitTransition{From: g.phase, To: g.phase, ExitCount: g.ExitCount, Deadline: g.Deadline()}
	if g.phase == PhaseExitPending && g.expired(now) {
		return g.autoSubmitOnTimeout(t)
	}
	return t
}

// WindowBlur records focus loss without fullscreen loss. Audit only.
func (g *ExitGuard) WindowBlur() int {
	g.WindowSwitchCount++
	return g.WindowSwitchCount
}

func (g *ExitGuard) expired(now time.Time) bool {
	d := g.Deadline()
	return d != nil && !now.Before(*d)
}

func (g *ExitGuard) autoSubmitOnTimeout(t ExitTransition) ExitTransition {
	g.phase = PhaseAutoSubmit
	t.To = g.phase
	t.Deadline = g.Deadline()
	t.Reason = model.AutoSubmitExitTimeout
	return t
}
