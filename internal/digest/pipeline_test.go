package digest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/preferences"
	"github.com/bissquit/digest-garden/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prefStub struct {
	pref *domain.Preference
	err  error
}

func (s *prefStub) Get(_ context.Context, _ string) (*domain.Preference, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pref == nil {
		return nil, preferences.ErrPreferenceNotFound
	}
	return s.pref, nil
}

type sourceStub struct {
	articles   []domain.Article
	err        error
	categories []string
}

func (s *sourceStub) Fetch(_ context.Context, categories []string) ([]domain.Article, error) {
	s.categories = categories
	return s.articles, s.err
}

type summarizerStub struct {
	text       string
	err        error
	userPrompt string
}

func (s *summarizerStub) Complete(_ context.Context, _, userPrompt string) (string, error) {
	s.userPrompt = userPrompt
	return s.text, s.err
}

type mailerStub struct {
	sent []domain.Email
	err  error
}

func (m *mailerStub) Send(_ context.Context, email domain.Email) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, email)
	return nil
}

type rearmerStub struct {
	parents []string
	err     error
}

func (r *rearmerStub) ArmNext(_ context.Context, run *domain.Run) (*domain.Run, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.parents = append(r.parents, run.ID)
	return &domain.Run{ID: "next-run", UserID: run.UserID, FireAt: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}, nil
}

type fixture struct {
	prefs      *prefStub
	source     *sourceStub
	summarizer *summarizerStub
	mailer     *mailerStub
	rearmer    *rearmerStub
	pipeline   *Pipeline
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	renderer, err := NewHTMLRenderer()
	require.NoError(t, err)

	f := &fixture{
		prefs: &prefStub{pref: &domain.Preference{UserID: "user-1", IsActive: true}},
		source: &sourceStub{articles: []domain.Article{
			{Title: "Chip launch", Description: "A new chip.", Source: "Wire"},
			{Title: "Rates", Source: "Ledger"},
		}},
		summarizer: &summarizerStub{text: "# Weekly\n\nTwo stories this week."},
		mailer:     &mailerStub{},
		rearmer:    &rearmerStub{},
	}
	f.pipeline = NewPipeline(Dependencies{
		Preferences: f.prefs,
		Source:      f.source,
		Summarizer:  f.summarizer,
		Renderer:    renderer,
		Mailer:      f.mailer,
		Rearmer:     f.rearmer,
	}, opts)
	return f
}

func testRun() *domain.Run {
	return &domain.Run{
		ID:     "run-1",
		UserID: "user-1",
		Snapshot: domain.Snapshot{
			Categories: []string{"technology", "business"},
			Frequency:  domain.FrequencyWeekly,
			Email:      "reader@example.com",
		},
	}
}

// runAll executes steps in order until one fails or halts.
func runAll(t *testing.T, p *Pipeline, exec *workflow.Execution) error {
	t.Helper()
	for _, step := range p.Steps() {
		if err := step.Run(context.Background(), exec); err != nil {
			return err
		}
		if exec.Halted() {
			return nil
		}
	}
	return nil
}

func TestPipeline_StepOrder(t *testing.T) {
	f := newFixture(t, Options{})

	var names []domain.Step
	for _, s := range f.pipeline.Steps() {
		names = append(names, s.Name)
	}

	assert.Equal(t, []domain.Step{
		domain.StepCheckStatus,
		domain.StepFetchNews,
		domain.StepSummarize,
		domain.StepRender,
		domain.StepSendEmail,
		domain.StepScheduleNext,
	}, names)
}

func TestPipeline_HappyPath(t *testing.T) {
	f := newFixture(t, Options{})
	run := testRun()
	exec := workflow.NewExecution(run, 1, 3)

	require.NoError(t, runAll(t, f.pipeline, exec))

	assert.False(t, exec.Halted())
	assert.NoError(t, exec.Failure())
	assert.Equal(t, []string{"technology", "business"}, f.source.categories)
	assert.Contains(t, f.summarizer.userPrompt, "Chip launch")

	require.Len(t, f.mailer.sent, 1)
	email := f.mailer.sent[0]
	assert.Equal(t, "reader@example.com", email.To)
	assert.Equal(t, "run-1", email.IdempotencyKey)
	assert.Equal(t, 2, email.ArticleCount)
	assert.Equal(t, "Your Technology, Business news digest · 2 articles", email.Subject)
	assert.Contains(t, email.HTML, "Two stories this week.")

	assert.Equal(t, []string{"run-1"}, f.rearmer.parents)
	assert.True(t, run.State.Active)
	assert.True(t, run.State.EmailSent)
	assert.Equal(t, "next-run", run.State.NextRunID)
	require.NotNil(t, run.State.NextFireAt)
}

func TestPipeline_CheckStatusHalts(t *testing.T) {
	tests := []struct {
		name string
		pref *domain.Preference
	}{
		{"paused", &domain.Preference{UserID: "user-1", IsActive: false}},
		{"deleted", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.prefs.pref = tt.pref
			run := testRun()
			exec := workflow.NewExecution(run, 1, 3)

			require.NoError(t, runAll(t, f.pipeline, exec))

			assert.True(t, exec.Halted())
			assert.False(t, run.State.Active)
			assert.Nil(t, f.source.categories)
			assert.Empty(t, f.mailer.sent)
			assert.Empty(t, f.rearmer.parents)
		})
	}
}

func TestPipeline_CheckStatusStoreError(t *testing.T) {
	f := newFixture(t, Options{})
	f.prefs.err = errors.New("connection refused")

	err := f.pipeline.checkStatus(context.Background(), workflow.NewExecution(testRun(), 1, 3))
	require.Error(t, err)
	assert.True(t, workflow.IsRetryable(err))
}

func TestPipeline_FetchErrorIsContentFetch(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.err = errors.New("upstream 503")

	err := f.pipeline.fetchNews(context.Background(), workflow.NewExecution(testRun(), 1, 3))
	assert.ErrorIs(t, err, ErrContentFetch)
}

func TestPipeline_EmptySummaryIsFatal(t *testing.T) {
	for _, text := range []string{"", "   \n\t"} {
		f := newFixture(t, Options{})
		f.summarizer.text = text
		run := testRun()
		exec := workflow.NewExecution(run, 1, 3)

		err := runAll(t, f.pipeline, exec)

		assert.ErrorIs(t, err, ErrSummarizationEmpty)
		assert.False(t, workflow.IsRetryable(err))
		assert.Empty(t, f.mailer.sent)
		assert.Empty(t, f.rearmer.parents)
	}
}

func TestPipeline_SendFailure(t *testing.T) {
	transportErr := errors.New("smtp: 451 try again")

	t.Run("default policy fails the step", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.mailer.err = transportErr
		exec := workflow.NewExecution(testRun(), 3, 3)

		err := runAll(t, f.pipeline, exec)

		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, transportErr)
		assert.Empty(t, f.rearmer.parents)
	})

	t.Run("reschedule policy retries before the last attempt", func(t *testing.T) {
		f := newFixture(t, Options{RescheduleOnSendFailure: true})
		f.mailer.err = transportErr
		exec := workflow.NewExecution(testRun(), 1, 3)

		err := runAll(t, f.pipeline, exec)

		assert.ErrorIs(t, err, ErrTransport)
		assert.Empty(t, f.rearmer.parents)
	})

	t.Run("reschedule policy keeps the chain on the last attempt", func(t *testing.T) {
		f := newFixture(t, Options{RescheduleOnSendFailure: true})
		f.mailer.err = transportErr
		run := testRun()
		exec := workflow.NewExecution(run, 3, 3)

		require.NoError(t, runAll(t, f.pipeline, exec))

		assert.ErrorIs(t, exec.Failure(), ErrTransport)
		assert.False(t, run.State.EmailSent)
		assert.True(t, strings.Contains(run.State.SendError, "451"))
		assert.Equal(t, []string{"run-1"}, f.rearmer.parents)
	})

	t.Run("reschedule policy keeps the chain on permanent errors", func(t *testing.T) {
		f := newFixture(t, Options{RescheduleOnSendFailure: true})
		f.mailer.err = workflow.NewNonRetryableError(errors.New("550 mailbox unavailable"))
		exec := workflow.NewExecution(testRun(), 1, 3)

		require.NoError(t, runAll(t, f.pipeline, exec))

		assert.Error(t, exec.Failure())
		assert.Len(t, f.rearmer.parents, 1)
	})
}

func TestPipeline_ResumedStepsAreIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	run := testRun()
	run.State = domain.DeliveryState{Active: true, EmailSent: true, NextRunID: "already-armed"}
	exec := workflow.NewExecution(run, 1, 3)

	require.NoError(t, f.pipeline.sendEmail(context.Background(), exec))
	require.NoError(t, f.pipeline.scheduleNext(context.Background(), exec))

	assert.Empty(t, f.mailer.sent)
	assert.Empty(t, f.rearmer.parents)
	assert.Equal(t, "already-armed", run.State.NextRunID)
}

func TestPipeline_RearmError(t *testing.T) {
	f := newFixture(t, Options{})
	f.rearmer.err = errors.New("store unavailable")

	err := f.pipeline.scheduleNext(context.Background(), workflow.NewExecution(testRun(), 1, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arm next run")
}
