package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"golang.org/x/crypto/bcrypt"
)

func TestStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v := h.begin(t, "  Ada   Lovelace ")
	if v.StudentName != "Ada Lovelace" {
		t.Errorf("StudentName = %q, want collapsed whitespace", v.StudentName)
	}
	if v.TimeRemainingSeconds != 600 {
		t.Errorf("TimeRemainingSeconds = %d, want 600", v.TimeRemainingSeconds)
	}
	if h.events.count(EventAttemptStarted) != 1 {
		t.Errorf("started events = %d, want 1", h.events.count(EventAttemptStarted))
	}

	h.clock.Advance(100 * time.Second)
	again, err := h.svc.Start(ctx, h.exam.ID, StartInput{StudentName: "ada lovelace"})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again.AttemptID != v.AttemptID {
		t.Fatalf("second Start returned attempt %s, want existing %s", again.AttemptID, v.AttemptID)
	}
	if again.Created || again.Status != AttemptStatusPendingResume {
		t.Errorf("second Start = created %v status %s, want pending_resume", again.Created, again.Status)
	}
	if again.TimeRemainingSeconds != 500 {
		t.Errorf("pending TimeRemainingSeconds = %d, want 500", again.TimeRemainingSeconds)
	}
}

func TestStartRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *model.ExamConfig)
		in      StartInput
		wantErr error
	}{
		{
			name:    "blank name",
			in:      StartInput{StudentName: "   "},
			wantErr: ErrValidation,
		},
		{
			name:    "inactive exam",
			mutate:  func(cfg *model.ExamConfig) { cfg.IsActive = false },
			in:      StartInput{StudentName: "Grace"},
			wantErr: ErrForbidden,
		},
		{
			name:    "missing access code",
			mutate:  withAccessCode("orbit-42"),
			in:      StartInput{StudentName: "Grace"},
			wantErr: ErrForbidden,
		},
		{
			name:    "wrong access code",
			mutate:  withAccessCode("orbit-42"),
			in:      StartInput{StudentName: "Grace", AccessCode: "orbit-43"},
			wantErr: ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mutate)
			_, err := h.svc.Start(context.Background(), h.exam.ID, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("unknown exam", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.svc.Start(context.Background(), uuid.New(), StartInput{StudentName: "Grace"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Start() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("correct access code", func(t *testing.T) {
		h := newHarness(t, withAccessCode("orbit-42"))
		if _, err := h.svc.Start(context.Background(), h.exam.ID, StartInput{StudentName: "Grace", AccessCode: "orbit-42"}); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	})
}

func withAccessCode(code string) func(cfg *model.ExamConfig) {
	return func(cfg *model.ExamConfig) {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		cfg.RequiresAccessCode = true
		cfg.AccessCodeHash = string(hash)
	}
}

func TestResumeCountsOnlyTheResumePrompt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	h.answer(t, v.AttemptID, 0, "B")

	h.clock.Advance(100 * time.Second)
	pending, err := h.svc.Start(ctx, h.exam.ID, StartInput{StudentName: "Ada"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := pending.Answers[h.questions[0].ID]; got != "B" {
		t.Errorf("pending answers[q1] = %q, want B", got)
	}

	h.clock.Advance(2 * time.Second)
	resumed, err := h.svc.Resume(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != AttemptStatusActive {
		t.Errorf("Status = %s, want active", resumed.Status)
	}
	if resumed.TimeRemainingSeconds != 498 {
		t.Errorf("TimeRemainingSeconds = %d, want 498", resumed.TimeRemainingSeconds)
	}
	if h.events.count(EventAttemptResumed) != 1 {
		t.Errorf("resumed events = %d, want 1", h.events.count(EventAttemptResumed))
	}
}

func TestStartGradesAnAttemptThatRanOut(t *testing.T) {
	h := newHarness(t, nil)
	v := h.begin(t, "Ada")
	h.answer(t, v.AttemptID, 0, "B")

	h.clock.Advance(700 * time.Second)
	got, err := h.svc.Start(context.Background(), h.exam.ID, StartInput{StudentName: "Ada"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got.Status != AttemptStatusCompleted || got.Result == nil {
		t.Fatalf("Start = status %s result %v, want completed result", got.Status, got.Result)
	}
	if got.Result.Score != 25 {
		t.Errorf("Score = %v, want 25", got.Result.Score)
	}
	if !got.Result.AutoSubmitted || got.Result.AutoSubmitReason == nil || *got.Result.AutoSubmitReason != model.AutoSubmitTimeExpired {
		t.Errorf("auto submit = %v %v, want time_expired", got.Result.AutoSubmitted, got.Result.AutoSubmitReason)
	}

	// A completed attempt is final: starting again returns the stored result.
	again, err := h.svc.Start(context.Background(), h.exam.ID, StartInput{StudentName: "ADA"})
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	if again.AttemptID != v.AttemptID || again.Result == nil || !again.Result.AlreadyCompleted {
		t.Errorf("Start after completion = %+v, want stored result of %s", again, v.AttemptID)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Recover(ctx, h.exam.ID, "Nobody", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Recover(unknown) error = %v, want ErrNotFound", err)
	}

	v := h.begin(t, "Ada")
	h.clock.Advance(30 * time.Second)

	got, err := h.svc.Recover(ctx, h.exam.ID, "ada", "")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got.AttemptID != v.AttemptID || got.Status != AttemptStatusPendingResume {
		t.Errorf("Recover = %s %s, want pending_resume of %s", got.AttemptID, got.Status, v.AttemptID)
	}
	if got.TimeRemainingSeconds != 570 {
		t.Errorf("TimeRemainingSeconds = %d, want 570", got.TimeRemainingSeconds)
	}
	a := h.store.attempt(t, v.AttemptID)
	if !a.LastActivityAt.Equal(testStart) || a.TimeRemainingSeconds != 600 {
		t.Errorf("clock = %v %d, want untouched", a.LastActivityAt, a.TimeRemainingSeconds)
	}
	if !a.ResumePending {
		t.Error("ResumePending = false, want the attempt held until Resume")
	}
	if _, err := h.svc.Heartbeat(ctx, v.AttemptID); !errors.Is(err, ErrResumeRequired) {
		t.Errorf("Heartbeat() error = %v, want ErrResumeRequired", err)
	}
}

func TestPendingResumeBlocksActivity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	h.answer(t, v.AttemptID, 0, "B")

	// A second device enters under the same name.
	h.clock.Advance(20 * time.Second)
	if _, err := h.svc.Start(ctx, h.exam.ID, StartInput{StudentName: "Ada"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	opt := "A"
	calls := []struct {
		name string
		call func() error
	}{
		{"answer", func() error {
			_, err := h.svc.Answer(ctx, v.AttemptID, h.questions[0].ID, &opt, 9)
			return err
		}},
		{"heartbeat", func() error {
			_, err := h.svc.Heartbeat(ctx, v.AttemptID)
			return err
		}},
		{"event", func() error {
			_, err := h.svc.RecordEvent(ctx, v.AttemptID, model.ActivityFullscreenExit, "")
			return err
		}},
		{"paper", func() error {
			_, err := h.svc.Paper(ctx, v.AttemptID)
			return err
		}},
		{"submit", func() error {
			_, err := h.svc.Submit(ctx, v.AttemptID, map[string]string{h.questions[1].ID.String(): "A"})
			return err
		}},
	}
	for _, c := range calls {
		err := c.call()
		if !errors.Is(err, ErrResumeRequired) || !errors.Is(err, ErrForbidden) {
			t.Errorf("%s before Resume: error = %v, want ErrResumeRequired", c.name, err)
		}
	}

	a := h.store.attempt(t, v.AttemptID)
	if a.Completed || a.ExitCount != 0 {
		t.Fatalf("held attempt changed: completed %v exit_count %d", a.Completed, a.ExitCount)
	}
	if rec := h.store.answers[v.AttemptID][h.questions[0].ID]; rec.SelectedOptionID == nil || *rec.SelectedOptionID != "B" {
		t.Errorf("saved answer = %v, want B kept", rec.SelectedOptionID)
	}

	resumed, err := h.svc.Resume(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != AttemptStatusActive {
		t.Errorf("Status = %s, want active", resumed.Status)
	}
	if h.store.attempt(t, v.AttemptID).ResumePending {
		t.Error("ResumePending still set after Resume")
	}
	if applied, err := h.svc.Answer(ctx, v.AttemptID, h.questions[0].ID, &opt, 9); err != nil || !applied {
		t.Errorf("Answer after Resume = %v, %v, want applied", applied, err)
	}
}

func TestAnswer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	q1 := h.questions[0].ID
	opt := func(s string) *string { return &s }

	steps := []struct {
		name        string
		question    uuid.UUID
		option      *string
		seq         int64
		wantApplied bool
		wantErr     error
	}{
		{name: "first write", question: q1, option: opt("A"), seq: 5, wantApplied: true},
		{name: "stale seq dropped", question: q1, option: opt("C"), seq: 4},
		{name: "newer seq applied", question: q1, option: opt("B"), seq: 6, wantApplied: true},
		{name: "unknown option", question: q1, option: opt("Z"), seq: 7, wantErr: ErrValidation},
		{name: "unknown question", question: uuid.New(), option: opt("A"), seq: 1, wantErr: ErrNotFound},
		{name: "negative seq", question: q1, option: opt("A"), seq: -1, wantErr: ErrValidation},
	}

	for _, st := range steps {
		applied, err := h.svc.Answer(ctx, v.AttemptID, st.question, st.option, st.seq)
		if st.wantErr != nil {
			if !errors.Is(err, st.wantErr) {
				t.Errorf("%s: error = %v, want %v", st.name, err, st.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if applied != st.wantApplied {
			t.Errorf("%s: applied = %v, want %v", st.name, applied, st.wantApplied)
		}
	}

	saved, err := h.svc.savedSelections(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("savedSelections: %v", err)
	}
	if saved[q1] != "B" {
		t.Errorf("saved[q1] = %q, want B", saved[q1])
	}
}

func TestAnswerAfterTimeRanOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	opt := "B"

	h.clock.Advance(300 * time.Second)
	if _, err := h.svc.Heartbeat(ctx, v.AttemptID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	h.clock.Advance(301 * time.Second)
	if _, err := h.svc.Answer(ctx, v.AttemptID, h.questions[0].ID, &opt, 0); !errors.Is(err, ErrTimeExceeded) {
		t.Fatalf("Answer() error = %v, want ErrTimeExceeded", err)
	}
	if a := h.store.attempt(t, v.AttemptID); !a.Completed {
		t.Fatal("attempt was not graded")
	}

	_, err := h.svc.Answer(ctx, v.AttemptID, h.questions[0].ID, &opt, 0)
	if !errors.Is(err, ErrForbidden) || !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("Answer() on completed attempt error = %v, want forbidden already-completed", err)
	}
}

func TestHeartbeatCoalescesWrites(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")

	h.clock.Advance(5 * time.Second)
	got, err := h.svc.Heartbeat(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.TimeRemainingSeconds != 595 {
		t.Errorf("TimeRemainingSeconds = %d, want 595", got.TimeRemainingSeconds)
	}
	if h.store.updates != 0 {
		t.Errorf("updates = %d, want 0 inside the heartbeat interval", h.store.updates)
	}

	h.clock.Advance(15 * time.Second)
	got, err = h.svc.Heartbeat(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.TimeRemainingSeconds != 580 {
		t.Errorf("TimeRemainingSeconds = %d, want 580", got.TimeRemainingSeconds)
	}
	if h.store.updates != 1 {
		t.Errorf("updates = %d, want 1", h.store.updates)
	}
	a := h.store.attempt(t, v.AttemptID)
	if a.TimeRemainingSeconds != 580 || !a.LastActivityAt.Equal(testStart.Add(20*time.Second)) {
		t.Errorf("stored clock = %d @ %s, want 580 @ +20s", a.TimeRemainingSeconds, a.LastActivityAt)
	}
}

func TestExitGuard(t *testing.T) {
	t.Run("max exits auto-submits", func(t *testing.T) {
		h := newHarness(t, nil)
		v := h.begin(t, "Ada")

		for i := 0; i < 2; i++ {
			h.clock.Advance(time.Second)
			got := h.event(t, v.AttemptID, model.ActivityFullscreenExit)
			if got.ExitPhase != session.PhaseExitPending {
				t.Fatalf("exit %d: phase = %s, want exit_pending", i+1, got.ExitPhase)
			}
			h.clock.Advance(time.Second)
			if got := h.event(t, v.AttemptID, model.ActivityFullscreenReturn); got.ExitPhase != session.PhaseNormal {
				t.Fatalf("return %d: phase = %s, want normal", i+1, got.ExitPhase)
			}
		}

		h.clock.Advance(time.Second)
		got := h.event(t, v.AttemptID, model.ActivityFullscreenExit)
		if got.Status != AttemptStatusCompleted || got.Result == nil {
			t.Fatalf("third exit: status = %s, want completed", got.Status)
		}
		if r := got.Result.AutoSubmitReason; r == nil || *r != model.AutoSubmitMaxExits {
			t.Errorf("reason = %v, want max_exits", r)
		}
		if a := h.store.attempt(t, v.AttemptID); a.ExitCount != 3 {
			t.Errorf("ExitCount = %d, want 3", a.ExitCount)
		}
	})

	t.Run("duplicate exit counts once", func(t *testing.T) {
		h := newHarness(t, nil)
		v := h.begin(t, "Ada")

		h.event(t, v.AttemptID, model.ActivityFullscreenExit)
		h.clock.Advance(time.Second)
		got := h.event(t, v.AttemptID, model.ActivityFullscreenExit)
		if got.ExitCount != 1 {
			t.Errorf("ExitCount = %d, want 1", got.ExitCount)
		}
		if got.ExitDeadline == nil || !got.ExitDeadline.Equal(testStart.Add(10*time.Second)) {
			t.Errorf("ExitDeadline = %v, want +10s", got.ExitDeadline)
		}
	})

	t.Run("countdown expiry fires on heartbeat", func(t *testing.T) {
		h := newHarness(t, nil)
		v := h.begin(t, "Ada")

		h.event(t, v.AttemptID, model.ActivityFullscreenExit)
		h.clock.Advance(11 * time.Second)
		got, err := h.svc.Heartbeat(context.Background(), v.AttemptID)
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if got.Status != AttemptStatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		if r := got.Result.AutoSubmitReason; r == nil || *r != model.AutoSubmitExitTimeout {
			t.Errorf("reason = %v, want exit_timeout", r)
		}
	})

	t.Run("late return still auto-submits", func(t *testing.T) {
		h := newHarness(t, nil)
		v := h.begin(t, "Ada")

		h.event(t, v.AttemptID, model.ActivityFullscreenExit)
		h.clock.Advance(30 * time.Second)
		got := h.event(t, v.AttemptID, model.ActivityFullscreenReturn)
		if got.Status != AttemptStatusCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
	})

	t.Run("submit after countdown grades saved answers", func(t *testing.T) {
		h := newHarness(t, nil)
		v := h.begin(t, "Ada")
		h.answer(t, v.AttemptID, 0, "A")

		h.event(t, v.AttemptID, model.ActivityFullscreenExit)
		h.clock.Advance(30 * time.Second)
		res, err := h.svc.Submit(context.Background(), v.AttemptID, map[string]string{
			h.questions[0].ID.String(): "B",
			h.questions[1].ID.String(): "A",
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if !res.AutoSubmitted || res.AutoSubmitReason == nil || *res.AutoSubmitReason != model.AutoSubmitExitTimeout {
			t.Errorf("auto submit = %v %v, want exit_timeout", res.AutoSubmitted, res.AutoSubmitReason)
		}
		if res.Score != 0 || res.CorrectCount != 0 {
			t.Errorf("result = score %v correct %d, want 0 from the saved answers", res.Score, res.CorrectCount)
		}
		if a := h.store.attempt(t, v.AttemptID); !a.Completed || a.AutoSubmitReason == nil || *a.AutoSubmitReason != model.AutoSubmitExitTimeout {
			t.Errorf("stored = completed %v reason %v, want exit_timeout", a.Completed, a.AutoSubmitReason)
		}
	})

	t.Run("zero max exits disables the limit", func(t *testing.T) {
		h := newHarness(t, func(cfg *model.ExamConfig) { cfg.MaxExits = 0 })
		v := h.begin(t, "Ada")

		for i := 0; i < 4; i++ {
			h.clock.Advance(time.Second)
			if got := h.event(t, v.AttemptID, model.ActivityFullscreenExit); got.Status != AttemptStatusActive {
				t.Fatalf("exit %d: status = %s, want active", i+1, got.Status)
			}
			h.clock.Advance(time.Second)
			h.event(t, v.AttemptID, model.ActivityFullscreenReturn)
		}

		res, err := h.svc.Submit(context.Background(), v.AttemptID, nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if res.AutoSubmitted {
			t.Errorf("AutoSubmitted = true after %d exits with no limit", h.store.attempt(t, v.AttemptID).ExitCount)
		}
	})

	t.Run("window blur is audit only", func(t *testing.T) {
		h := newHarness(t, nil)
		v := h.begin(t, "Ada")

		got := h.event(t, v.AttemptID, model.ActivityWindowBlur)
		if got.WindowSwitchCount != 1 || got.ExitCount != 0 {
			t.Errorf("counts = switch %d exit %d, want 1 and 0", got.WindowSwitchCount, got.ExitCount)
		}
	})
}

func TestOfflineGraceIsCapped(t *testing.T) {
	h := newHarness(t, nil)
	v := h.begin(t, "Ada")

	h.clock.Advance(10 * time.Second)
	if got := h.event(t, v.AttemptID, model.ActivityWentOffline); !got.Offline || got.TimeRemainingSeconds != 590 {
		t.Fatalf("went offline = offline %v remaining %d, want true 590", got.Offline, got.TimeRemainingSeconds)
	}

	// 120 seconds offline against a 90 second budget: 30 seconds are charged.
	h.clock.Advance(120 * time.Second)
	got := h.event(t, v.AttemptID, model.ActivityCameOnline)
	if got.Offline || got.TimeRemainingSeconds != 560 || got.OfflineGraceRemaining != 0 {
		t.Fatalf("came online = offline %v remaining %d grace %d, want false 560 0",
			got.Offline, got.TimeRemainingSeconds, got.OfflineGraceRemaining)
	}
	if a := h.store.attempt(t, v.AttemptID); a.TotalOfflineSeconds != 90 {
		t.Errorf("TotalOfflineSeconds = %d, want 90", a.TotalOfflineSeconds)
	}

	// The budget is spent, so a second spell counts down in full.
	h.clock.Advance(10 * time.Second)
	h.event(t, v.AttemptID, model.ActivityWentOffline)
	h.clock.Advance(30 * time.Second)
	got = h.event(t, v.AttemptID, model.ActivityCameOnline)
	if got.TimeRemainingSeconds != 520 {
		t.Errorf("second spell remaining = %d, want 520", got.TimeRemainingSeconds)
	}
	if a := h.store.attempt(t, v.AttemptID); a.TotalOfflineSeconds != 90 {
		t.Errorf("TotalOfflineSeconds = %d, want 90", a.TotalOfflineSeconds)
	}
}

func TestSubmit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	h.answer(t, v.AttemptID, 0, "A")

	h.clock.Advance(200 * time.Second)
	res, err := h.svc.Submit(ctx, v.AttemptID, map[string]string{
		h.questions[0].ID.String(): "B",
		h.questions[1].ID.String(): "A",
		uuid.NewString():           "A",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 100 || !res.Passed || res.CorrectCount != 2 {
		t.Errorf("result = score %v passed %v correct %d, want 100 true 2", res.Score, res.Passed, res.CorrectCount)
	}
	if res.TimeSpentSeconds != 200 || res.AutoSubmitted || res.AlreadyCompleted {
		t.Errorf("result = spent %d auto %v already %v, want 200 false false",
			res.TimeSpentSeconds, res.AutoSubmitted, res.AlreadyCompleted)
	}
	if len(res.Answers) != 2 {
		t.Errorf("len(Answers) = %d, want 2 graded answers", len(res.Answers))
	}

	h.clock.Advance(time.Minute)
	again, err := h.svc.Submit(ctx, v.AttemptID, map[string]string{h.questions[0].ID.String(): "C"})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !again.AlreadyCompleted || again.Score != res.Score || !again.CompletedAt.Equal(res.CompletedAt) {
		t.Errorf("second Submit = %+v, want the stored result", again)
	}
	if h.store.completions != 1 {
		t.Errorf("completions = %d, want 1", h.store.completions)
	}
	if h.events.count(EventAttemptCompleted) != 1 {
		t.Errorf("completed events = %d, want 1", h.events.count(EventAttemptCompleted))
	}

	if _, err := h.svc.Submit(ctx, v.AttemptID, map[string]string{"q1": "A"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Submit(bad key) error = %v, want ErrValidation", err)
	}
}

func TestSubmitIgnoresClientCorrectness(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q1, q2 := h.questions[0].ID.String(), h.questions[1].ID.String()

	submit := func(name, body string) *AttemptResult {
		t.Helper()
		var req model.SubmitAttemptRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		v := h.begin(t, name)
		res, err := h.svc.Submit(ctx, v.AttemptID, req.Answers)
		if err != nil {
			t.Fatalf("Submit(%s): %v", name, err)
		}
		return res
	}

	// q1 is answered wrong and q2 right in both payloads.
	plain := submit("Ada", `{"answers":{"`+q1+`":"A","`+q2+`":"A"}}`)
	forged := submit("Grace", `{"answers":{"`+q1+`":"A","`+q2+`":"A"},"is_correct":{"`+q1+`":true,"`+q2+`":true}}`)

	if plain.Score != 75 {
		t.Fatalf("plain Score = %v, want 75", plain.Score)
	}
	if forged.Score != plain.Score || forged.CorrectCount != plain.CorrectCount || forged.Passed != plain.Passed {
		t.Errorf("forged flags = score %v correct %d passed %v, want %v %d %v",
			forged.Score, forged.CorrectCount, forged.Passed, plain.Score, plain.CorrectCount, plain.Passed)
	}
	for _, ga := range forged.Answers {
		if ga.QuestionID == h.questions[0].ID && ga.IsCorrect {
			t.Error("q1 graded correct from a client flag")
		}
	}
}

func TestLateSubmitGradesSavedAnswers(t *testing.T) {
	h := newHarness(t, nil)
	v := h.begin(t, "Ada")
	h.answer(t, v.AttemptID, 0, "A")

	h.clock.Advance(605 * time.Second)
	res, err := h.svc.Submit(context.Background(), v.AttemptID, map[string]string{
		h.questions[0].ID.String(): "B",
	})
	if !errors.Is(err, ErrTimeExceeded) {
		t.Fatalf("Submit() error = %v, want ErrTimeExceeded", err)
	}
	if res == nil {
		t.Fatal("Submit() returned no result alongside ErrTimeExceeded")
	}
	if res.Score != 0 {
		t.Errorf("Score = %v, want 0 from the saved answer", res.Score)
	}
	if !res.AutoSubmitted || res.AutoSubmitReason == nil || *res.AutoSubmitReason != model.AutoSubmitTimeExpired {
		t.Errorf("auto submit = %v %v, want time_expired", res.AutoSubmitted, res.AutoSubmitReason)
	}
}

func TestSubmitWithinGraceIsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	v := h.begin(t, "Ada")

	h.clock.Advance(602 * time.Second)
	res, err := h.svc.Submit(context.Background(), v.AttemptID, map[string]string{
		h.questions[0].ID.String(): "B",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 25 || res.AutoSubmitted {
		t.Errorf("result = score %v auto %v, want 25 false", res.Score, res.AutoSubmitted)
	}
}

func TestSubmitAndExpireRace(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	h.answer(t, v.AttemptID, 1, "A")
	h.clock.Advance(600 * time.Second)

	var (
		wg      sync.WaitGroup
		results [2]*AttemptResult
		errs    [2]error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.svc.Submit(ctx, v.AttemptID, map[string]string{h.questions[0].ID.String(): "B"})
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.svc.Expire(ctx, v.AttemptID)
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if h.store.completions != 1 {
		t.Fatalf("completions = %d, want exactly 1", h.store.completions)
	}

	stored := h.store.attempt(t, v.AttemptID)
	for i, res := range results {
		if res.Score != *stored.Score || !res.CompletedAt.Equal(*stored.CompletedAt) {
			t.Errorf("call %d result = %v @ %s, want stored %v @ %s", i, res.Score, res.CompletedAt, *stored.Score, *stored.CompletedAt)
		}
	}
}

func TestExpire(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")

	h.clock.Advance(100 * time.Second)
	if _, err := h.svc.Expire(ctx, v.AttemptID); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("Expire() error = %v, want ErrNotExpired", err)
	}

	h.clock.Advance(600 * time.Second)
	res, err := h.svc.Expire(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if r := res.AutoSubmitReason; r == nil || *r != model.AutoSubmitSweep {
		t.Errorf("reason = %v, want sweep", r)
	}
	if res.TimeSpentSeconds != 600 {
		t.Errorf("TimeSpentSeconds = %d, want 600", res.TimeSpentSeconds)
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.begin(t, "Alice")
	h.clock.Advance(300 * time.Second)
	bob := h.begin(t, "Bob")
	h.clock.Advance(400 * time.Second)

	report, err := h.svc.SweepExpired(context.Background(), 50)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	want := SweepReport{Checked: 2, Expired: 1}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if !h.store.attempt(t, alice.AttemptID).Completed {
		t.Error("Alice's lapsed attempt was not expired")
	}
	if h.store.attempt(t, bob.AttemptID).Completed {
		t.Error("Bob's running attempt was expired")
	}
}

func TestResultRequiresCompletion(t *testing.T) {
	h := newHarness(t, nil)
	v := h.begin(t, "Ada")

	if _, err := h.svc.Result(context.Background(), v.AttemptID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Result() error = %v, want ErrForbidden", err)
	}
}

func TestResultHidesAnswersWhenConfigured(t *testing.T) {
	h := newHarness(t, func(cfg *model.ExamConfig) { cfg.ShowResults = false })
	ctx := context.Background()
	v := h.begin(t, "Ada")

	if _, err := h.svc.Submit(ctx, v.AttemptID, map[string]string{h.questions[0].ID.String(): "B"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := h.svc.Result(ctx, v.AttemptID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Answers != nil {
		t.Errorf("Answers = %v, want none", res.Answers)
	}
	if res.CorrectCount != 1 {
		t.Errorf("CorrectCount = %d, want 1", res.CorrectCount)
	}
}

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")

	h.store.failGets = 2
	if _, err := h.svc.Heartbeat(ctx, v.AttemptID); err != nil {
		t.Fatalf("Heartbeat after two transient failures: %v", err)
	}

	h.store.failGets = 10
	_, err := h.svc.Heartbeat(ctx, v.AttemptID)
	if !IsTransient(err) || !errors.Is(err, errDBDown) {
		t.Fatalf("Heartbeat() error = %v, want transient errDBDown", err)
	}
}

func TestEventsOnCompletedAttempt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v := h.begin(t, "Ada")
	if _, err := h.svc.Submit(ctx, v.AttemptID, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := h.svc.RecordEvent(ctx, v.AttemptID, model.ActivityFullscreenExit, ""); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("RecordEvent() error = %v, want ErrAlreadyCompleted", err)
	}
	if _, err := h.svc.Heartbeat(ctx, v.AttemptID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Heartbeat() error = %v, want ErrAlreadyCompleted", err)
	}
	if _, err := h.svc.RecordEvent(ctx, v.AttemptID, model.ActivityExitTimeout, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("RecordEvent(exit_timeout) error = %v, want ErrValidation", err)
	}
}

func TestDetailIncludesActivities(t *testing.T) {
	h := newHarness(t, nil)
	v := h.begin(t, "Ada")
	h.event(t, v.AttemptID, model.ActivityCopyAttempt)
	h.event(t, v.AttemptID, model.ActivityWindowBlur)

	d, err := h.svc.Detail(context.Background(), v.AttemptID)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if len(d.Attempt.SuspiciousActivities) != 2 {
		t.Errorf("activities = %d, want 2", len(d.Attempt.SuspiciousActivities))
	}
	if d.Answers == nil {
		t.Error("Answers = nil, want empty slice")
	}
}
