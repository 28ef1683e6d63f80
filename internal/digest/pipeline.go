// Package digest implements the delivery pipeline: check, fetch, summarize, render, send, reschedule.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/bissquit/digest-garden/internal/preferences"
	"github.com/bissquit/digest-garden/internal/workflow"
)

// PreferenceReader loads the live preference record.
type PreferenceReader interface {
	Get(ctx context.Context, userID string) (*domain.Preference, error)
}

// ArticleSource fetches recent articles for the given categories.
type ArticleSource interface {
	Fetch(ctx context.Context, categories []string) ([]domain.Article, error)
}

// Summarizer turns a prompt into newsletter Markdown.
type Summarizer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Renderer turns a summary into an email body.
type Renderer interface {
	Render(c Content) (*Rendered, error)
}

// Mailer delivers a rendered digest.
type Mailer interface {
	Send(ctx context.Context, email domain.Email) error
}

// Rearmer arms the successor of a run.
type Rearmer interface {
	ArmNext(ctx context.Context, run *domain.Run) (*domain.Run, error)
}

// Options tunes pipeline behaviour.
type Options struct {
	// RescheduleOnSendFailure keeps the chain alive when delivery fails:
	// the failure is recorded, the successor is still armed and the run ends failed.
	RescheduleOnSendFailure bool
}

// Dependencies are the collaborators the pipeline calls.
type Dependencies struct {
	Preferences PreferenceReader
	Source      ArticleSource
	Summarizer  Summarizer
	Renderer    Renderer
	Mailer      Mailer
	Rearmer     Rearmer
}

// Pipeline is the six-step digest delivery sequence.
type Pipeline struct {
	deps Dependencies
	opts Options
}

// NewPipeline creates a new delivery pipeline.
func NewPipeline(deps Dependencies, opts Options) *Pipeline {
	return &Pipeline{deps: deps, opts: opts}
}

// Steps returns the steps in execution order.
func (p *Pipeline) Steps() []workflow.Step {
	return []workflow.Step{
		{Name: domain.StepCheckStatus, Run: p.checkStatus},
		{Name: domain.StepFetchNews, Run: p.fetchNews},
		{Name: domain.StepSummarize, Run: p.summarize},
		{Name: domain.StepRender, Run: p.render},
		{Name: domain.StepSendEmail, Run: p.sendEmail},
		{Name: domain.StepScheduleNext, Run: p.scheduleNext},
	}
}

func (p *Pipeline) checkStatus(ctx context.Context, exec *workflow.Execution) error {
	pref, err := p.deps.Preferences.Get(ctx, exec.Run.UserID)
	if errors.Is(err, preferences.ErrPreferenceNotFound) {
		exec.State.Active = false
		exec.Halt()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	exec.State.Active = pref.IsActive
	if !pref.IsActive {
		exec.Halt()
	}
	return nil
}

func (p *Pipeline) fetchNews(ctx context.Context, exec *workflow.Execution) error {
	articles, err := p.deps.Source.Fetch(ctx, exec.Run.Snapshot.Categories)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContentFetch, err)
	}

	exec.State.Articles = articles
	return nil
}

func (p *Pipeline) summarize(ctx context.Context, exec *workflow.Execution) error {
	system, user := BuildPrompt(exec.Run.Snapshot.Categories, exec.State.Articles)

	text, err := p.deps.Summarizer.Complete(ctx, system, user)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return workflow.NewNonRetryableError(ErrSummarizationEmpty)
	}

	exec.State.Summary = text
	return nil
}

func (p *Pipeline) render(_ context.Context, exec *workflow.Execution) error {
	out, err := p.deps.Renderer.Render(Content{
		Categories:   exec.Run.Snapshot.Categories,
		Summary:      exec.State.Summary,
		ArticleCount: len(exec.State.Articles),
	})
	if err != nil {
		return workflow.NewNonRetryableError(fmt.Errorf("render digest: %w", err))
	}

	exec.State.HTML = out.HTML
	exec.State.Subject = out.Subject
	return nil
}

func (p *Pipeline) sendEmail(ctx context.Context, exec *workflow.Execution) error {
	if exec.State.EmailSent {
		return nil
	}

	err := p.deps.Mailer.Send(ctx, domain.Email{
		To:             exec.Run.Snapshot.Email,
		Subject:        exec.State.Subject,
		ArticleCount:   len(exec.State.Articles),
		HTML:           exec.State.HTML,
		IdempotencyKey: exec.Run.ID,
	})
	if err == nil {
		exec.State.EmailSent = true
		exec.State.SendError = ""
		return nil
	}

	err = fmt.Errorf("%w: %w", ErrTransport, err)
	if p.opts.RescheduleOnSendFailure && (exec.FinalAttempt() || !workflow.IsRetryable(err)) {
		ctxlog.FromContext(ctx).Warn("digest delivery failed, keeping schedule", "error", err)
		exec.State.SendError = err.Error()
		exec.Fail(err)
		return nil
	}
	return err
}

func (p *Pipeline) scheduleNext(ctx context.Context, exec *workflow.Execution) error {
	if exec.State.NextRunID != "" {
		return nil
	}

	next, err := p.deps.Rearmer.ArmNext(ctx, exec.Run)
	if err != nil {
		return fmt.Errorf("arm next run: %w", err)
	}

	fireAt := next.FireAt.In(time.UTC)
	exec.State.NextRunID = next.ID
	exec.State.NextFireAt = &fireAt
	return nil
}
