package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"golang.org/x/crypto/bcrypt"
)

const maxStudentNameLen = 100

// AttemptStatus is the lifecycle state reported to the client.
type AttemptStatus string

const (
	AttemptStatusActive        AttemptStatus = "active"
	AttemptStatusPendingResume AttemptStatus = "pending_resume"
	AttemptStatusCompleted     AttemptStatus = "completed"
)

// AttemptOptions tunes the lifecycle timings.
type AttemptOptions struct {
	// SubmitGrace tolerates clock skew and latency on client submissions.
	SubmitGrace time.Duration
	// HeartbeatInterval is the minimum spacing between persisted heartbeats.
	HeartbeatInterval time.Duration
	Now               func() time.Time
	BackOff           func() backoff.BackOff
}

// AttemptService drives an attempt from start to grading. It keeps no
// per-attempt state in memory; every safety-critical write is a conditional
// store update.
type AttemptService struct {
	store      AttemptStore
	catalog    Catalog
	activities ActivityRecorder
	events     EventPublisher

	submitGrace       time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time
	newBackOff        func() backoff.BackOff

	log zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	store AttemptStore,
	catalog Catalog,
	activities ActivityRecorder,
	events EventPublisher,
	opts AttemptOptions,
	log zerolog.Logger,
) *AttemptService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackOff == nil {
		opts.BackOff = NewStoreBackOff
	}
	if events == nil {
		events = MultiPublisher(nil)
	}
	return &AttemptService{
		store:             store,
		catalog:           catalog,
		activities:        activities,
		events:            events,
		submitGrace:       opts.SubmitGrace,
		heartbeatInterval: opts.HeartbeatInterval,
		now:               opts.Now,
		newBackOff:        opts.BackOff,
		log:               log.With().Str("component", "attempt_service").Logger(),
	}
}

// AttemptView is the server-authoritative state of an attempt. Client
// countdowns are display-only and resync from TimeRemainingSeconds.
type AttemptView struct {
	AttemptID             uuid.UUID            `json:"attempt_id"`
	ExamID                uuid.UUID            `json:"exam_id"`
	StudentName           string               `json:"student_name"`
	Status                AttemptStatus        `json:"status"`
	Created               bool                 `json:"created"`
	StartedAt             time.Time            `json:"started_at"`
	TimeRemainingSeconds  int                  `json:"time_remaining_seconds"`
	ExitCount             int                  `json:"exit_count"`
	MaxExits              int                  `json:"max_exits"`
	ExitPhase             session.ExitPhase    `json:"exit_phase"`
	ExitDeadline          *time.Time           `json:"exit_deadline,omitempty"`
	WindowSwitchCount     int                  `json:"window_switch_count"`
	Offline               bool                 `json:"offline"`
	OfflineGraceRemaining int                  `json:"offline_grace_remaining_seconds"`
	Answers               map[uuid.UUID]string `json:"answers,omitempty"`
	Result                *AttemptResult       `json:"result,omitempty"`
	ServerTime            time.Time            `json:"server_time"`
}

// AttemptResult is the graded outcome of a completed attempt.
type AttemptResult struct {
	AttemptID        uuid.UUID               `json:"attempt_id"`
	Score            float64                 `json:"score"`
	TotalPoints      float64                 `json:"total_points"`
	CorrectCount     int                     `json:"correct_count"`
	Passed           bool                    `json:"passed"`
	TimeSpentSeconds int                     `json:"time_spent_seconds"`
	CompletedAt      time.Time               `json:"completed_at"`
	AutoSubmitted    bool                    `json:"auto_submitted"`
	AutoSubmitReason *model.AutoSubmitReason `json:"auto_submit_reason,omitempty"`
	AlreadyCompleted bool                    `json:"already_completed"`
	Answers          []session.GradedAnswer  `json:"answers,omitempty"`
}

// StartInput identifies the student entering an exam.
type StartInput struct {
	StudentName string
	AccessCode  string
	ClientIP    string
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// AttemptDetail is the admin view of one attempt.
type AttemptDetail struct {
	Attempt *model.Attempt       `json:"attempt"`
	Answers []model.AnswerRecord `json:"answers"`
}

// ─── Entry ─────────────────────────────────────────────────────────────

// Start enters an exam by student name. A completed attempt is returned as
// its stored result, an incomplete one as a resume descriptor that must be
// confirmed with Resume, and otherwise a new attempt is created.
func (s *AttemptService) Start(ctx context.Context, examID uuid.UUID, in StartInput) (*AttemptView, error) {
	name, err := normalizeStudentName(in.StudentName)
	if err != nil {
		return nil, err
	}

	cfg, err := s.loadConfig(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, ErrExamInactive
	}
	if err := checkAccessCode(cfg, in.AccessCode); err != nil {
		return nil, err
	}

	// A second pass only happens when a concurrent Start created the row
	// between our lookup and our insert.
	for range 2 {
		view, err := s.existing(ctx, cfg, name)
		if err != nil || view != nil {
			return view, err
		}

		now := s.now()
		a := &model.Attempt{
			ID:                   uuid.New(),
			ExamID:               cfg.ID,
			StudentName:          name,
			StartedAt:            now,
			LastActivityAt:       now,
			TimeRemainingSeconds: cfg.DurationSeconds,
			ClientIP:             in.ClientIP,
		}
		err = storeErr("create attempt", s.store.CreateAttempt(ctx, a))
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info().
			Str("attempt_id", a.ID.String()).
			Str("exam_id", cfg.ID.String()).
			Str("student", name).
			Str("client_ip", in.ClientIP).
			Msg("Attempt started")
		s.events.Publish(ctx, newAttemptEvent(EventAttemptStarted, a, now))

		view = s.activeView(cfg, a, now, a.TimeRemainingSeconds)
		view.Created = true
		view.Answers = map[uuid.UUID]string{}
		return view, nil
	}
	return nil, fmt.Errorf("start attempt: %w", ErrConflict)
}

// Recover answers the recovery query: the state needed to resume an attempt
// knowing only the exam and the student name. It never creates an attempt and
// leaves the clock alone, but holds the attempt until Resume confirms it.
func (s *AttemptService) Recover(ctx context.Context, examID uuid.UUID, studentName, accessCode string) (*AttemptView, error) {
	name, err := normalizeStudentName(studentName)
	if err != nil {
		return nil, err
	}
	cfg, err := s.loadConfig(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := checkAccessCode(cfg, accessCode); err != nil {
		return nil, err
	}

	if done, err := s.findCompleted(ctx, cfg.ID, name); err != nil {
		return nil, err
	} else if done != nil {
		return s.completedView(ctx, cfg, done, true)
	}

	a, err := s.findIncomplete(ctx, cfg.ID, name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("recover attempt: %w", ErrNotFound)
	}

	now := s.now()
	held, err := s.holdForResume(ctx, a.ID)
	if errors.Is(err, ErrConflict) {
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}

	view := s.activeView(cfg, held, now, session.AttemptRemaining(cfg, session.StateOf(held), now))
	if view.Answers, err = s.savedSelections(ctx, a.ID); err != nil {
		return nil, err
	}
	return view, nil
}

// existing resolves Start for a student that already has an attempt.
// It returns nil, nil when there is none.
func (s *AttemptService) existing(ctx context.Context, cfg *model.ExamConfig, name string) (*AttemptView, error) {
	done, err := s.findCompleted(ctx, cfg.ID, name)
	if err != nil {
		return nil, err
	}
	if done != nil {
		return s.completedView(ctx, cfg, done, true)
	}

	a, err := s.findIncomplete(ctx, cfg.ID, name)
	if err != nil || a == nil {
		return nil, err
	}

	now := s.now()
	if reason, due := autoSubmitDue(cfg, a, now, model.AutoSubmitTimeExpired); due {
		res, err := s.autoSubmit(ctx, cfg, a, reason)
		if err != nil {
			return nil, err
		}
		return s.viewFromResult(cfg, a, res, now), nil
	}

	// Persist the settled clock now so the following Resume only counts the
	// seconds spent on the resume prompt.
	rem, anchor := session.Settle(cfg, session.StateOf(a), now)
	updated, err := s.update(ctx, a.ID,
		AttemptPatch{LastActivityAt: &anchor, TimeRemainingSeconds: &rem, SetResumePending: true},
		AttemptPredicate{LastActivityBefore: &anchor},
	)
	if errors.Is(err, ErrConflict) {
		// A newer write already settled the clock.
		if updated, err = s.holdForResume(ctx, a.ID); err == nil {
			rem = session.AttemptRemaining(cfg, session.StateOf(updated), now)
		}
	}
	if errors.Is(err, ErrConflict) {
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}
	a = updated

	view := s.activeView(cfg, a, now, rem)
	if view.Answers, err = s.savedSelections(ctx, a.ID); err != nil {
		return nil, err
	}
	return view, nil
}

// Resume confirms a pending resume and re-enters the active state. Until it
// runs, a held attempt rejects answers, events and submissions with
// ErrResumeRequired.
func (s *AttemptService) Resume(ctx context.Context, attemptID uuid.UUID) (*AttemptView, error) {
	a, cfg, err := s.loadAttemptAndConfig(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Completed {
		return s.completedView(ctx, cfg, a, true)
	}

	now := s.now()
	if reason, due := autoSubmitDue(cfg, a, now, model.AutoSubmitTimeExpired); due {
		res, err := s.autoSubmit(ctx, cfg, a, reason)
		if err != nil {
			return nil, err
		}
		return s.viewFromResult(cfg, a, res, now), nil
	}

	rem, anchor := session.Settle(cfg, session.StateOf(a), now)
	updated, err := s.update(ctx, a.ID,
		AttemptPatch{LastActivityAt: &anchor, TimeRemainingSeconds: &rem, ClearResumePending: true},
		AttemptPredicate{LastActivityBefore: &anchor},
	)
	if errors.Is(err, ErrConflict) {
		// A newer write already settled the clock.
		updated, err = s.update(ctx, a.ID, AttemptPatch{ClearResumePending: true}, AttemptPredicate{})
		if err == nil {
			rem = session.AttemptRemaining(cfg, session.StateOf(updated), now)
		}
	}
	if errors.Is(err, ErrConflict) {
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}
	a = updated

	s.events.Publish(ctx, newAttemptEvent(EventAttemptResumed, a, now))

	view := s.activeView(cfg, a, now, rem)
	if view.Answers, err = s.savedSelections(ctx, a.ID); err != nil {
		return nil, err
	}
	return view, nil
}

// ─── Active ────────────────────────────────────────────────────────────

// Answer saves one selection. Correctness is never written here. A nil
// optionID clears the selection. It reports whether the write was applied;
// an older seq than the stored one is dropped.
func (s *AttemptService) Answer(ctx context.Context, attemptID, questionID uuid.UUID, optionID *string, seq int64) (bool, error) {
	if seq < 0 {
		return false, validationErr("seq must not be negative")
	}

	a, cfg, err := s.loadActive(ctx, attemptID)
	if err != nil {
		return false, err
	}

	now := s.now()
	if reason, due := autoSubmitDue(cfg, a, now, model.AutoSubmitTimeExpired); due {
		if _, err := s.autoSubmit(ctx, cfg, a, reason); err != nil {
			return false, err
		}
		if reason == model.AutoSubmitTimeExpired {
			return false, ErrTimeExceeded
		}
		return false, fmt.Errorf("%w: %w", ErrForbidden, ErrAlreadyCompleted)
	}

	questions, err := s.questions(ctx, cfg.ID)
	if err != nil {
		return false, err
	}
	q := findQuestion(questions, questionID)
	if q == nil {
		return false, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	if optionID != nil && !q.HasOption(*optionID) {
		return false, validationErr("option does not belong to question")
	}

	rec := &model.AnswerRecord{
		AttemptID:        a.ID,
		QuestionID:       questionID,
		SelectedOptionID: optionID,
		Seq:              seq,
		AnsweredAt:       now,
	}

	var applied bool
	err = s.retryTransient(ctx, func() error {
		var err error
		applied, err = s.store.UpsertAnswer(ctx, rec)
		return storeErr("upsert answer", err)
	})
	if err != nil {
		return false, err
	}

	if !applied {
		s.log.Debug().
			Str("attempt_id", a.ID.String()).
			Str("question_id", questionID.String()).
			Int64("seq", seq).
			Msg("Stale answer ignored")
	}
	return applied, nil
}

// Heartbeat settles the clock and persists it at most once per heartbeat
// interval. It also fires auto-submits that came due.
func (s *AttemptService) Heartbeat(ctx context.Context, attemptID uuid.UUID) (*AttemptView, error) {
	a, cfg, err := s.loadActive(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if reason, due := autoSubmitDue(cfg, a, now, model.AutoSubmitTimeExpired); due {
		res, err := s.autoSubmit(ctx, cfg, a, reason)
		if err != nil {
			return nil, err
		}
		return s.viewFromResult(cfg, a, res, now), nil
	}

	rem, anchor := session.Settle(cfg, session.StateOf(a), now)
	if now.Sub(a.LastActivityAt) < s.heartbeatInterval {
		return s.activeView(cfg, a, now, rem), nil
	}

	cutoff := now.Add(-s.heartbeatInterval)
	updated, err := s.update(ctx, a.ID,
		AttemptPatch{LastActivityAt: &anchor, TimeRemainingSeconds: &rem},
		AttemptPredicate{LastActivityBefore: &cutoff},
	)
	switch {
	case err == nil:
		a = updated
	case errors.Is(err, ErrConflict):
		// Another heartbeat or a completion got there first.
		return s.refreshView(ctx, cfg, attemptID, now)
	default:
		return nil, err
	}
	return s.activeView(cfg, a, now, rem), nil
}

// RecordEvent appends a proctoring event to the audit log and feeds it into
// the exit guard or the offline tracker.
func (s *AttemptService) RecordEvent(ctx context.Context, attemptID uuid.UUID, typ model.ActivityType, detail string) (*AttemptView, error) {
	if !typ.IsClientType() {
		return nil, validationErr("unknown activity type")
	}

	a, cfg, err := s.loadActive(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.recordActivity(ctx, a.ID, typ, detail, now)

	if reason, due := autoSubmitDue(cfg, a, now, model.AutoSubmitTimeExpired); due {
		return s.autoSubmitView(ctx, cfg, a, reason, now)
	}

	switch typ {
	case model.ActivityFullscreenExit:
		return s.fullscreenExit(ctx, cfg, a, now)
	case model.ActivityFullscreenReturn:
		return s.fullscreenReturn(ctx, cfg, a, now)
	case model.ActivityWindowBlur:
		return s.windowBlur(ctx, cfg, a, now)
	case model.ActivityWentOffline:
		return s.wentOffline(ctx, cfg, a, now)
	case model.ActivityCameOnline:
		return s.cameOnline(ctx, cfg, a, now)
	}

	ev := newAttemptEvent(EventAttemptActivity, a, now)
	ev.Activity = typ
	s.events.Publish(ctx, ev)
	return s.activeView(cfg, a, now, session.AttemptRemaining(cfg, session.StateOf(a), now)), nil
}

func (s *AttemptService) fullscreenExit(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, now time.Time) (*AttemptView, error) {
	guard := session.NewExitGuard(cfg, a)
	t := guard.FullscreenExit(now)
	if !t.Counted {
		return s.activeView(cfg, a, now, session.AttemptRemaining(cfg, session.StateOf(a), now)), nil
	}

	noPending := false
	patch := AttemptPatch{ExitCountDelta: 1}
	if t.To == session.PhaseExitPending {
		patch.ExitPendingSince = guard.PendingSince
	}
	updated, err := s.update(ctx, a.ID, patch, AttemptPredicate{ExitCountEquals: &a.ExitCount, ExitPending: &noPending})
	if errors.Is(err, ErrConflict) {
		// A racing event already counted this exit.
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Int("exit_count", updated.ExitCount).
		Int("max_exits", cfg.MaxExits).
		Msg("Fullscreen exit recorded")
	s.events.Publish(ctx, newAttemptEvent(EventAttemptExit, updated, now))

	if t.To == session.PhaseAutoSubmit {
		return s.autoSubmitView(ctx, cfg, updated, t.Reason, now)
	}
	return s.activeView(cfg, updated, now, session.AttemptRemaining(cfg, session.StateOf(updated), now)), nil
}

func (s *AttemptService) fullscreenReturn(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, now time.Time) (*AttemptView, error) {
	guard := session.NewExitGuard(cfg, a)
	t := guard.FullscreenReturn(now)
	switch {
	case t.To == session.PhaseAutoSubmit:
		s.recordActivity(ctx, a.ID, model.ActivityExitTimeout, "returned after countdown", now)
		return s.autoSubmitView(ctx, cfg, a, t.Reason, now)
	case !t.Changed():
		return s.activeView(cfg, a, now, session.AttemptRemaining(cfg, session.StateOf(a), now)), nil
	}

	pending := true
	updated, err := s.update(ctx, a.ID, AttemptPatch{ClearExitPending: true}, AttemptPredicate{ExitPending: &pending})
	if errors.Is(err, ErrConflict) {
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}
	return s.activeView(cfg, updated, now, session.AttemptRemaining(cfg, session.StateOf(updated), now)), nil
}

func (s *AttemptService) windowBlur(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, now time.Time) (*AttemptView, error) {
	// Not retried: the increment is not idempotent and the count is audit only.
	updated, err := s.store.UpdateAttempt(ctx, a.ID, AttemptPatch{WindowSwitchDelta: 1}, AttemptPredicate{})
	if err = storeErr("record window switch", err); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.refreshView(ctx, cfg, a.ID, now)
		}
		return nil, err
	}

	ev := newAttemptEvent(EventAttemptActivity, updated, now)
	ev.Activity = model.ActivityWindowBlur
	s.events.Publish(ctx, ev)
	return s.activeView(cfg, updated, now, session.AttemptRemaining(cfg, session.StateOf(updated), now)), nil
}

func (s *AttemptService) wentOffline(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, now time.Time) (*AttemptView, error) {
	tracker := session.OfflineTracker{TotalOfflineSeconds: a.TotalOfflineSeconds, WentOfflineAt: a.WentOfflineAt}
	if !tracker.MarkOffline(now) {
		return s.activeView(cfg, a, now, session.AttemptRemaining(cfg, session.StateOf(a), now)), nil
	}

	// Settle the online stretch first so the pause starts from here.
	rem, anchor := session.Settle(cfg, session.StateOf(a), now)
	online := false
	updated, err := s.update(ctx, a.ID,
		AttemptPatch{LastActivityAt: &anchor, TimeRemainingSeconds: &rem, WentOfflineAt: tracker.WentOfflineAt},
		AttemptPredicate{Offline: &online, LastActivityBefore: &anchor},
	)
	if errors.Is(err, ErrConflict) {
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, newAttemptEvent(EventAttemptOffline, updated, now))
	return s.activeView(cfg, updated, now, rem), nil
}

func (s *AttemptService) cameOnline(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, now time.Time) (*AttemptView, error) {
	if a.WentOfflineAt == nil {
		return s.activeView(cfg, a, now, session.AttemptRemaining(cfg, session.StateOf(a), now)), nil
	}

	// Settle while the spell is still open so covered seconds are paused.
	rem, anchor := session.Settle(cfg, session.StateOf(a), now)
	tracker := session.OfflineTracker{TotalOfflineSeconds: a.TotalOfflineSeconds, WentOfflineAt: a.WentOfflineAt}
	res := tracker.MarkOnline(now, cfg.OfflineGraceSeconds)

	offline := true
	updated, err := s.update(ctx, a.ID,
		AttemptPatch{
			LastActivityAt:       &anchor,
			TimeRemainingSeconds: &rem,
			TotalOfflineSeconds:  &res.Total,
			ClearWentOfflineAt:   true,
		},
		AttemptPredicate{Offline: &offline},
	)
	if errors.Is(err, ErrConflict) {
		return s.refreshView(ctx, cfg, a.ID, now)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Int("added", res.Added).
		Int("total_offline", res.Total).
		Msg("Attempt back online")
	s.events.Publish(ctx, newAttemptEvent(EventAttemptOnline, updated, now))
	return s.activeView(cfg, updated, now, rem), nil
}

// ─── Completion ────────────────────────────────────────────────────────

// Submit grades the attempt. Client correctness flags never reach this
// function; only selections are graded, against the answer key.
//
// Submitting a completed attempt returns the stored result with
// AlreadyCompleted set. A submission past the deadline is graded with the
// last saved answers only and returned together with ErrTimeExceeded. The
// same happens without the error when the exit guard has already fired.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, clientAnswers map[string]string) (*AttemptResult, error) {
	selections := make(map[uuid.UUID]string, len(clientAnswers))
	for k, v := range clientAnswers {
		qid, err := uuid.Parse(k)
		if err != nil {
			return nil, validationErr("answers must be keyed by question id")
		}
		selections[qid] = v
	}

	a, cfg, err := s.loadAttemptAndConfig(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Completed {
		return s.storedResult(ctx, cfg, a, true)
	}

	now := s.now()
	if reason, due := exitAutoSubmitDue(cfg, a, now); due {
		s.log.Warn().
			Str("attempt_id", a.ID.String()).
			Str("reason", string(reason)).
			Msg("Submission after exit guard fired, grading saved answers")
		return s.autoSubmit(ctx, cfg, a, reason)
	}
	deadline := session.SubmitDeadline(cfg, session.StateOf(a), s.submitGrace, now)
	if now.After(deadline) {
		s.log.Warn().
			Str("attempt_id", a.ID.String()).
			Time("deadline", deadline).
			Msg("Late submission, grading saved answers")
		res, err := s.autoSubmit(ctx, cfg, a, model.AutoSubmitTimeExpired)
		if err != nil {
			return nil, err
		}
		return res, ErrTimeExceeded
	}
	if a.ResumePending {
		return nil, ErrResumeRequired
	}

	saved, err := s.savedSelections(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for qid, opt := range selections {
		saved[qid] = opt
	}
	return s.grade(ctx, cfg, a, saved, now, nil)
}

// Expire grades an attempt whose time ran out (or whose exit guard fired)
// from its saved answers. It returns ErrNotExpired for attempts that are
// still within their time and a stored result for completed ones.
func (s *AttemptService) Expire(ctx context.Context, attemptID uuid.UUID) (*AttemptResult, error) {
	a, cfg, err := s.loadAttemptAndConfig(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Completed {
		return s.storedResult(ctx, cfg, a, true)
	}

	reason, due := autoSubmitDue(cfg, a, s.now(), model.AutoSubmitSweep)
	if !due {
		return nil, ErrNotExpired
	}
	return s.autoSubmit(ctx, cfg, a, reason)
}

// SweepExpired expires every incomplete attempt whose time has lapsed.
func (s *AttemptService) SweepExpired(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport

	candidates, err := s.store.ListIncompleteExpired(ctx, s.now(), limit)
	if err != nil {
		return report, storeErr("list expired attempts", err)
	}

	for i := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		res, err := s.Expire(ctx, candidates[i].ID)
		switch {
		case errors.Is(err, ErrNotExpired):
			continue
		case err != nil:
			report.Failed++
			s.log.Error().Err(err).Str("attempt_id", candidates[i].ID.String()).Msg("Failed to expire attempt")
			continue
		}
		if !res.AlreadyCompleted {
			report.Expired++
		}
	}
	return report, nil
}

// Result returns the graded result of a completed attempt.
func (s *AttemptService) Result(ctx context.Context, attemptID uuid.UUID) (*AttemptResult, error) {
	a, cfg, err := s.loadAttemptAndConfig(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !a.Completed {
		return nil, ErrNotCompleted
	}
	return s.storedResult(ctx, cfg, a, true)
}

// Paper returns the questions for an attempt in the attempt's own order.
func (s *AttemptService) Paper(ctx context.Context, attemptID uuid.UUID) ([]model.QuestionForStudent, error) {
	a, cfg, err := s.loadActive(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	questions, err := s.questions(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	return session.OrderPaper(a.ID, questions, cfg.ShuffleQuestions, cfg.ShuffleOptions), nil
}

// ListAttempts returns the admin summary of every attempt of an exam.
func (s *AttemptService) ListAttempts(ctx context.Context, examID uuid.UUID) ([]model.AttemptSummary, error) {
	rows, err := s.store.ListByExam(ctx, examID)
	if err != nil {
		return nil, storeErr("list attempts", err)
	}
	if rows == nil {
		rows = []model.AttemptSummary{}
	}
	return rows, nil
}

// Detail returns an attempt with its answers and audit log.
func (s *AttemptService) Detail(ctx context.Context, attemptID uuid.UUID) (*AttemptDetail, error) {
	a, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return nil, storeErr("list answers", err)
	}
	if s.activities != nil {
		acts, err := s.activities.List(ctx, a.ID)
		if err != nil {
			return nil, storeErr("list activities", err)
		}
		a.SuspiciousActivities = acts
	}
	if answers == nil {
		answers = []model.AnswerRecord{}
	}
	return &AttemptDetail{Attempt: a, Answers: answers}, nil
}

// autoSubmit grades the attempt from its saved answers on the server's
// initiative.
func (s *AttemptService) autoSubmit(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, reason model.AutoSubmitReason) (*AttemptResult, error) {
	saved, err := s.savedSelections(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return s.grade(ctx, cfg, a, saved, s.now(), &reason)
}

func (s *AttemptService) autoSubmitView(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, reason model.AutoSubmitReason, now time.Time) (*AttemptView, error) {
	res, err := s.autoSubmit(ctx, cfg, a, reason)
	if err != nil {
		return nil, err
	}
	return s.viewFromResult(cfg, a, res, now), nil
}

// grade is the single grading path. The answer rewrite and the completion
// flag are one conditional write; losing the race returns the winner's
// stored result.
func (s *AttemptService) grade(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, selections map[uuid.UUID]string, now time.Time, reason *model.AutoSubmitReason) (*AttemptResult, error) {
	key, err := s.answerKey(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}

	g := session.GradeSelections(key, selections)
	rem := session.AttemptRemaining(cfg, session.StateOf(a), now)
	spent := min(max(cfg.DurationSeconds-rem, 0), cfg.DurationSeconds)

	c := Completion{
		CompletedAt:          now,
		Score:                g.Score,
		TotalPoints:          g.TotalPoints,
		TimeSpentSeconds:     spent,
		TimeRemainingSeconds: rem,
		Passed:               session.Passed(g.Score, cfg.PassScorePercent),
		AutoSubmitted:        reason != nil,
		AutoSubmitReason:     reason,
		Answers:              g.Records(a.ID, now),
	}

	done, err := s.store.CompleteWithAnswers(ctx, a.ID, c)
	if err = storeErr("complete attempt", err); err != nil {
		if !errors.Is(err, ErrConflict) && !IsTransient(err) {
			return nil, err
		}
		// Lost the race, or the commit outcome is unknown. Either way the
		// stored row is the truth.
		stored, rerr := s.loadAttempt(ctx, a.ID)
		if rerr != nil {
			return nil, rerr
		}
		if !stored.Completed {
			return nil, err
		}
		s.log.Debug().Str("attempt_id", a.ID.String()).Msg("Attempt completed concurrently")
		return s.storedResult(ctx, cfg, stored, true)
	}

	logEvt := s.log.Info().
		Str("attempt_id", done.ID.String()).
		Str("exam_id", done.ExamID.String()).
		Float64("score", g.Score).
		Int("time_spent", spent)
	if reason != nil {
		logEvt = logEvt.Str("reason", string(*reason))
	}
	logEvt.Msg("Attempt graded")

	s.events.Publish(ctx, newAttemptEvent(EventAttemptCompleted, done, now))
	return resultFrom(cfg, done, c.Answers, false), nil
}

// ─── Helpers ───────────────────────────────────────────────────────────

// autoSubmitDue reports whether the attempt must be graded now and why.
// timeReason is the reason recorded when the clock ran out.
func autoSubmitDue(cfg *model.ExamConfig, a *model.Attempt, now time.Time, timeReason model.AutoSubmitReason) (model.AutoSubmitReason, bool) {
	if reason, due := exitAutoSubmitDue(cfg, a, now); due {
		return reason, true
	}
	if session.AttemptRemaining(cfg, session.StateOf(a), now) <= 0 {
		return timeReason, true
	}
	return "", false
}

// exitAutoSubmitDue reports whether the exit guard has fired: the exit limit
// is reached or a pending exit outlived its countdown.
func exitAutoSubmitDue(cfg *model.ExamConfig, a *model.Attempt, now time.Time) (model.AutoSubmitReason, bool) {
	if cfg.MaxExits > 0 && a.ExitCount >= cfg.MaxExits {
		return model.AutoSubmitMaxExits, true
	}
	if t := session.NewExitGuard(cfg, a).Tick(now); t.To == session.PhaseAutoSubmit {
		return t.Reason, true
	}
	return "", false
}

func (s *AttemptService) activeView(cfg *model.ExamConfig, a *model.Attempt, now time.Time, remaining int) *AttemptView {
	guard := session.NewExitGuard(cfg, a)
	tracker := session.OfflineTracker{TotalOfflineSeconds: a.TotalOfflineSeconds, WentOfflineAt: a.WentOfflineAt}
	status := AttemptStatusActive
	if a.ResumePending {
		status = AttemptStatusPendingResume
	}
	return &AttemptView{
		AttemptID:             a.ID,
		ExamID:                a.ExamID,
		StudentName:           a.StudentName,
		Status:                status,
		StartedAt:             a.StartedAt,
		TimeRemainingSeconds:  remaining,
		ExitCount:             a.ExitCount,
		MaxExits:              cfg.MaxExits,
		ExitPhase:             guard.Phase(),
		ExitDeadline:          guard.Deadline(),
		WindowSwitchCount:     a.WindowSwitchCount,
		Offline:               tracker.IsOffline(),
		OfflineGraceRemaining: tracker.RemainingGrace(cfg.OfflineGraceSeconds),
		ServerTime:            now,
	}
}

func (s *AttemptService) viewFromResult(cfg *model.ExamConfig, a *model.Attempt, res *AttemptResult, now time.Time) *AttemptView {
	v := s.activeView(cfg, a, now, 0)
	v.Status = AttemptStatusCompleted
	v.ExitPhase = session.PhaseNormal
	v.ExitDeadline = nil
	v.Result = res
	return v
}

func (s *AttemptService) completedView(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, already bool) (*AttemptView, error) {
	res, err := s.storedResult(ctx, cfg, a, already)
	if err != nil {
		return nil, err
	}
	v := s.viewFromResult(cfg, a, res, s.now())
	v.TimeRemainingSeconds = a.TimeRemainingSeconds
	return v, nil
}

// refreshView re-reads an attempt after a lost conditional update.
func (s *AttemptService) refreshView(ctx context.Context, cfg *model.ExamConfig, id uuid.UUID, now time.Time) (*AttemptView, error) {
	a, err := s.loadAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Completed {
		return s.completedView(ctx, cfg, a, true)
	}
	return s.activeView(cfg, a, now, session.AttemptRemaining(cfg, session.StateOf(a), now)), nil
}

func (s *AttemptService) storedResult(ctx context.Context, cfg *model.ExamConfig, a *model.Attempt, already bool) (*AttemptResult, error) {
	var records []model.AnswerRecord
	err := s.retryTransient(ctx, func() error {
		var err error
		records, err = s.store.ListAnswers(ctx, a.ID)
		return storeErr("list answers", err)
	})
	if err != nil {
		return nil, err
	}
	return resultFrom(cfg, a, records, already), nil
}

func resultFrom(cfg *model.ExamConfig, a *model.Attempt, records []model.AnswerRecord, already bool) *AttemptResult {
	res := &AttemptResult{
		AttemptID:        a.ID,
		TotalPoints:      a.TotalPoints,
		TimeSpentSeconds: a.TimeSpentSeconds,
		AutoSubmitted:    a.AutoSubmitted,
		AutoSubmitReason: a.AutoSubmitReason,
		AlreadyCompleted: already,
	}
	if a.Score != nil {
		res.Score = *a.Score
	}
	if a.Passed != nil {
		res.Passed = *a.Passed
	}
	if a.CompletedAt != nil {
		res.CompletedAt = *a.CompletedAt
	}

	for _, r := range records {
		if r.IsCorrect != nil && *r.IsCorrect {
			res.CorrectCount++
		}
	}
	if cfg.ShowResults {
		res.Answers = make([]session.GradedAnswer, 0, len(records))
		for _, r := range records {
			res.Answers = append(res.Answers, session.GradedAnswer{
				QuestionID:       r.QuestionID,
				SelectedOptionID: r.SelectedOptionID,
				IsCorrect:        r.IsCorrect != nil && *r.IsCorrect,
				PointsAwarded:    r.PointsAwarded,
			})
		}
	}
	return res
}

func (s *AttemptService) recordActivity(ctx context.Context, attemptID uuid.UUID, typ model.ActivityType, detail string, now time.Time) {
	if s.activities == nil {
		return
	}
	act := model.SuspiciousActivity{Type: typ, Timestamp: now, Detail: detail}
	if err := s.activities.Record(ctx, attemptID, act); err != nil {
		s.log.Error().Err(err).
			Str("attempt_id", attemptID.String()).
			Str("type", string(typ)).
			Msg("Failed to record activity")
	}
}

func (s *AttemptService) loadAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	var a *model.Attempt
	err := s.retryTransient(ctx, func() error {
		var err error
		a, err = s.store.GetAttempt(ctx, id)
		return storeErr("get attempt", err)
	})
	return a, err
}

func (s *AttemptService) loadConfig(ctx context.Context, examID uuid.UUID) (*model.ExamConfig, error) {
	cfg, err := s.catalog.GetExamConfig(ctx, examID)
	if err != nil {
		return nil, storeErr("get exam config", err)
	}
	return cfg, nil
}

func (s *AttemptService) loadAttemptAndConfig(ctx context.Context, id uuid.UUID) (*model.Attempt, *model.ExamConfig, error) {
	a, err := s.loadAttempt(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.loadConfig(ctx, a.ExamID)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

// loadActive loads an attempt that must still be open for mutation.
func (s *AttemptService) loadActive(ctx context.Context, id uuid.UUID) (*model.Attempt, *model.ExamConfig, error) {
	a, cfg, err := s.loadAttemptAndConfig(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Completed {
		return nil, nil, fmt.Errorf("%w: %w", ErrForbidden, ErrAlreadyCompleted)
	}
	if a.ResumePending {
		return nil, nil, ErrResumeRequired
	}
	return a, cfg, nil
}

// holdForResume arms the resume gate. ErrConflict means the attempt
// completed first.
func (s *AttemptService) holdForResume(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return s.update(ctx, id, AttemptPatch{SetResumePending: true}, AttemptPredicate{})
}

func (s *AttemptService) findCompleted(ctx context.Context, examID uuid.UUID, name string) (*model.Attempt, error) {
	a, err := s.store.FindCompleted(ctx, examID, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, storeErr("find completed attempt", err)
}

func (s *AttemptService) findIncomplete(ctx context.Context, examID uuid.UUID, name string) (*model.Attempt, error) {
	a, err := s.store.FindIncomplete(ctx, examID, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, storeErr("find incomplete attempt", err)
}

func (s *AttemptService) update(ctx context.Context, id uuid.UUID, patch AttemptPatch, pred AttemptPredicate) (*model.Attempt, error) {
	var out *model.Attempt
	err := s.retryTransient(ctx, func() error {
		var err error
		out, err = s.store.UpdateAttempt(ctx, id, patch, pred)
		return storeErr("update attempt", err)
	})
	return out, err
}

// savedSelections returns the non-empty selections stored for an attempt.
func (s *AttemptService) savedSelections(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]string, error) {
	var records []model.AnswerRecord
	err := s.retryTransient(ctx, func() error {
		var err error
		records, err = s.store.ListAnswers(ctx, attemptID)
		return storeErr("list answers", err)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]string, len(records))
	for _, r := range records {
		if r.SelectedOptionID != nil && *r.SelectedOptionID != "" {
			out[r.QuestionID] = *r.SelectedOptionID
		}
	}
	return out, nil
}

func (s *AttemptService) questions(ctx context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error) {
	qs, err := s.catalog.GetQuestionsForStudent(ctx, examID)
	if err != nil {
		return nil, storeErr("get questions", err)
	}
	return qs, nil
}

func (s *AttemptService) answerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	var key model.AnswerKey
	err := s.retryTransient(ctx, func() error {
		var err error
		key, err = s.catalog.GetAnswerKey(ctx, examID)
		return storeErr("get answer key", err)
	})
	return key, err
}

func findQuestion(qs []model.QuestionForStudent, id uuid.UUID) *model.QuestionForStudent {
	for i := range qs {
		if qs[i].ID == id {
			return &qs[i]
		}
	}
	return nil
}

func normalizeStudentName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", validationErr("student name is required")
	}
	if utf8.RuneCountInString(name) > maxStudentNameLen {
		return "", validationErr("student name is too long")
	}
	return name, nil
}

func checkAccessCode(cfg *model.ExamConfig, code string) error {
	if !cfg.RequiresAccessCode {
		return nil
	}
	if code == "" || cfg.AccessCodeHash == "" {
		return ErrInvalidAccessCode
	}
	if bcrypt.CompareHashAndPassword([]byte(cfg.AccessCodeHash), []byte(code)) != nil {
		return ErrInvalidAccessCode
	}
	return nil
}
