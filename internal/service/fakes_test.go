package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var errDBDown = errors.New("connection refused")

// memStore is an in-memory AttemptStore with the same conditional-update
// rules as the PostgreSQL repository.
type memStore struct {
	mu          sync.Mutex
	attempts    map[uuid.UUID]*model.Attempt
	answers     map[uuid.UUID]map[uuid.UUID]model.AnswerRecord
	updates     int
	completions int
	// failGets makes the next n GetAttempt calls fail with errDBDown.
	failGets int
}

func newMemStore() *memStore {
	return &memStore{
		attempts: make(map[uuid.UUID]*model.Attempt),
		answers:  make(map[uuid.UUID]map[uuid.UUID]model.AnswerRecord),
	}
}

func cloneAttempt(a *model.Attempt) *model.Attempt {
	c := *a
	return &c
}

func (m *memStore) GetAttempt(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGets > 0 {
		m.failGets--
		return nil, errDBDown
	}
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (m *memStore) find(examID uuid.UUID, name string, completed bool) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ExamID == examID && a.Completed == completed && strings.EqualFold(a.StudentName, name) {
			return cloneAttempt(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) FindIncomplete(_ context.Context, examID uuid.UUID, name string) (*model.Attempt, error) {
	return m.find(examID, name, false)
}

func (m *memStore) FindCompleted(_ context.Context, examID uuid.UUID, name string) (*model.Attempt, error) {
	return m.find(examID, name, true)
}

func (m *memStore) CreateAttempt(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.attempts {
		if other.ExamID == a.ExamID && !other.Completed && strings.EqualFold(other.StudentName, a.StudentName) {
			return ErrConflict
		}
	}
	a.UpdatedAt = a.StartedAt
	m.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (m *memStore) UpdateAttempt(_ context.Context, id uuid.UUID, p AttemptPatch, pred AttemptPredicate) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.Completed {
		return nil, ErrConflict
	}
	switch {
	case pred.LastActivityBefore != nil && a.LastActivityAt.After(*pred.LastActivityBefore),
		pred.ExitCountEquals != nil && a.ExitCount != *pred.ExitCountEquals,
		pred.ExitPending != nil && (a.ExitPendingSince != nil) != *pred.ExitPending,
		pred.Offline != nil && (a.WentOfflineAt != nil) != *pred.Offline,
		pred.ResumePending != nil && a.ResumePending != *pred.ResumePending:
		return nil, ErrConflict
	}

	if p.LastActivityAt != nil {
		a.LastActivityAt = *p.LastActivityAt
	}
	if p.TimeRemainingSeconds != nil {
		a.TimeRemainingSeconds = *p.TimeRemainingSeconds
	}
	a.ExitCount += p.ExitCountDelta
	a.WindowSwitchCount += p.WindowSwitchDelta
	if p.TotalOfflineSeconds != nil {
		a.TotalOfflineSeconds = *p.TotalOfflineSeconds
	}
	if p.WentOfflineAt != nil {
		a.WentOfflineAt = p.WentOfflineAt
	}
	if p.ClearWentOfflineAt {
		a.WentOfflineAt = nil
	}
	if p.ExitPendingSince != nil {
		a.ExitPendingSince = p.ExitPendingSince
	}
	if p.ClearExitPending {
		a.ExitPendingSince = nil
	}
	if p.SetResumePending {
		a.ResumePending = true
	}
	if p.ClearResumePending {
		a.ResumePending = false
	}
	m.updates++
	return cloneAttempt(a), nil
}

func (m *memStore) UpsertAnswer(_ context.Context, rec *model.AnswerRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[rec.AttemptID]
	if !ok || a.Completed {
		return false, nil
	}
	byQ := m.answers[rec.AttemptID]
	if byQ == nil {
		byQ = make(map[uuid.UUID]model.AnswerRecord)
		m.answers[rec.AttemptID] = byQ
	}
	if old, ok := byQ[rec.QuestionID]; ok && rec.Seq != 0 && rec.Seq <= old.Seq {
		return false, nil
	}
	byQ[rec.QuestionID] = *rec
	return true, nil
}

func (m *memStore) ListAnswers(_ context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AnswerRecord, 0, len(m.answers[attemptID]))
	for _, r := range m.answers[attemptID] {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) CompleteWithAnswers(_ context.Context, id uuid.UUID, c Completion) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok || a.Completed {
		return nil, ErrConflict
	}
	score, passed, at := c.Score, c.Passed, c.CompletedAt
	a.Completed = true
	a.CompletedAt = &at
	a.Score = &score
	a.Passed = &passed
	a.TotalPoints = c.TotalPoints
	a.TimeSpentSeconds = c.TimeSpentSeconds
	a.TimeRemainingSeconds = c.TimeRemainingSeconds
	a.AutoSubmitted = c.AutoSubmitted
	a.AutoSubmitReason = c.AutoSubmitReason
	a.ExitPendingSince = nil
	a.ResumePending = false

	byQ := make(map[uuid.UUID]model.AnswerRecord, len(c.Answers))
	for _, r := range c.Answers {
		byQ[r.QuestionID] = r
	}
	m.answers[id] = byQ
	m.completions++
	return cloneAttempt(a), nil
}

func (m *memStore) ListIncompleteExpired(_ context.Context, _ time.Time, limit int) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attempt
	for _, a := range m.attempts {
		if !a.Completed && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) ListByExam(_ context.Context, examID uuid.UUID) ([]model.AttemptSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AttemptSummary
	for _, a := range m.attempts {
		if a.ExamID == examID {
			out = append(out, model.AttemptSummary{ID: a.ID, StudentName: a.StudentName, Completed: a.Completed, ExitCount: a.ExitCount})
		}
	}
	return out, nil
}

func (m *memStore) attempt(t *testing.T, id uuid.UUID) *model.Attempt {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		t.Fatalf("attempt %s not stored", id)
	}
	return cloneAttempt(a)
}

type memCatalog struct {
	configs   map[uuid.UUID]*model.ExamConfig
	questions map[uuid.UUID][]model.Question
}

func (c *memCatalog) GetExamConfig(_ context.Context, examID uuid.UUID) (*model.ExamConfig, error) {
	cfg, ok := c.configs[examID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (c *memCatalog) GetQuestionsForStudent(_ context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error) {
	qs := c.questions[examID]
	out := make([]model.QuestionForStudent, len(qs))
	for i := range qs {
		out[i] = qs[i].ForStudent()
	}
	return out, nil
}

func (c *memCatalog) GetAnswerKey(_ context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	return model.BuildAnswerKey(c.questions[examID]), nil
}

type memActivities struct {
	mu      sync.Mutex
	entries []model.ActivityEntry
}

func (r *memActivities) Record(_ context.Context, attemptID uuid.UUID, act model.SuspiciousActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, model.ActivityEntry{AttemptID: attemptID, Type: act.Type, Detail: act.Detail, RecordedAt: act.Timestamp})
	return nil
}

func (r *memActivities) List(_ context.Context, attemptID uuid.UUID) ([]model.SuspiciousActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SuspiciousActivity
	for _, e := range r.entries {
		if e.AttemptID == attemptID {
			out = append(out, model.SuspiciousActivity{Type: e.Type, Timestamp: e.RecordedAt, Detail: e.Detail})
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []AttemptEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev AttemptEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(t EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires an AttemptService to in-memory collaborators around one exam.
type harness struct {
	svc        *AttemptService
	store      *memStore
	catalog    *memCatalog
	activities *memActivities
	events     *recordingPublisher
	clock      *fakeClock
	exam       *model.ExamConfig
	questions  []model.Question
}

var testStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate func(cfg *model.ExamConfig)) *harness {
	t.Helper()

	exam := &model.ExamConfig{
		ID:                  uuid.New(),
		Title:               "Physics midterm",
		DurationSeconds:     600,
		PassScorePercent:    60,
		MaxExits:            3,
		ExitWarningSeconds:  10,
		OfflineGraceSeconds: 90,
		ShowResults:         true,
		IsActive:            true,
	}
	if mutate != nil {
		mutate(exam)
	}

	questions := []model.Question{
		{ID: uuid.New(), ExamID: exam.ID, QuestionText: "q1", Points: 1, OrderNum: 1, Options: []model.Option{{ID: "A"}, {ID: "B", IsCorrect: true}, {ID: "C"}}},
		{ID: uuid.New(), ExamID: exam.ID, QuestionText: "q2", Points: 3, OrderNum: 2, Options: []model.Option{{ID: "A", IsCorrect: true}, {ID: "B"}}},
	}

	h := &harness{
		store:      newMemStore(),
		catalog:    &memCatalog{configs: map[uuid.UUID]*model.ExamConfig{exam.ID: exam}, questions: map[uuid.UUID][]model.Question{exam.ID: questions}},
		activities: &memActivities{},
		events:     &recordingPublisher{},
		clock:      &fakeClock{now: testStart},
		exam:       exam,
		questions:  questions,
	}
	h.svc = NewAttemptService(h.store, h.catalog, h.activities, h.events, AttemptOptions{
		SubmitGrace:       3 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		Now:               h.clock.Now,
		BackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxStoreRetries)
		},
	}, zerolog.Nop())
	return h
}

// begin starts and returns a fresh active attempt for name.
func (h *harness) begin(t *testing.T, name string) *AttemptView {
	t.Helper()
	v, err := h.svc.Start(context.Background(), h.exam.ID, StartInput{StudentName: name})
	if err != nil {
		t.Fatalf("Start(%q): %v", name, err)
	}
	if !v.Created || v.Status != AttemptStatusActive {
		t.Fatalf("Start(%q) = status %s created %v, want a new active attempt", name, v.Status, v.Created)
	}
	return v
}

func (h *harness) answer(t *testing.T, attemptID uuid.UUID, q int, option string) {
	t.Helper()
	opt := option
	if _, err := h.svc.Answer(context.Background(), attemptID, h.questions[q].ID, &opt, 0); err != nil {
		t.Fatalf("Answer(q%d=%s): %v", q+1, option, err)
	}
}

func (h *harness) event(t *testing.T, attemptID uuid.UUID, typ model.ActivityType) *AttemptView {
	t.Helper()
	v, err := h.svc.RecordEvent(context.Background(), attemptID, typ, "")
	if err != nil {
		t.Fatalf("RecordEvent(%s): %v", typ, err)
	}
	return v
}
