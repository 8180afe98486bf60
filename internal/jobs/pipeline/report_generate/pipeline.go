package report_generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brandlens/brandlens-backend/internal/breaker"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	jobrt "github.com/brandlens/brandlens-backend/internal/jobs/runtime"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	errdefs "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/providers"
)

func jobrtDBC(jc *jobrt.Context) dbctx.Context {
	return dbctx.Context{Ctx: jc.Ctx}
}

// reportState is the in-memory scratch space threaded through the steps of
// one attempt. It never outlives the attempt.
type reportState struct {
	company   *types.Company
	questions []string
	answers   map[string][]string // provider key -> one answer per question
	metrics   map[string]any
}

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil || jc.Run == nil {
		return nil
	}
	if err := jc.BeginAttempt(StepNames); err != nil {
		return err
	}

	state := &reportState{answers: map[string][]string{}}
	steps := []struct {
		name string
		fn   func(jc *jobrt.Context, state *reportState) error
	}{
		{StepFetchContext, p.fetchContext},
		{StepGenerateQuestions, p.generateQuestions},
		{StepRunModelAgents, p.runModelAgents},
		{StepComputeMetrics, p.computeMetrics},
		{StepFinalize, p.finalize},
	}

	for _, step := range steps {
		// Step boundaries are the reaction points for cancellation and
		// company deletion; a step in flight runs to completion.
		if jc.Canceled() {
			return errdefs.ErrCanceled
		}
		exists, err := jc.Companies.Exists(jobrtDBC(jc), jc.Run.CompanyID)
		if err != nil {
			return fmt.Errorf("company check before %s: %w", step.name, err)
		}
		if !exists {
			return errdefs.ErrCompanyDeleted
		}

		if err := jc.StartStep(step.name); err != nil {
			return err
		}
		stepErr := step.fn(jc, state)
		if ferr := jc.FinishStep(step.name, stepErr); ferr != nil {
			return ferr
		}
		if stepErr != nil {
			return fmt.Errorf("step %s: %w", step.name, stepErr)
		}
	}

	return jc.Succeed()
}

func (p *Pipeline) fetchContext(jc *jobrt.Context, state *reportState) error {
	company, err := jc.Companies.GetByID(jobrtDBC(jc), jc.Run.CompanyID)
	if err != nil {
		return err
	}
	if company == nil {
		return errdefs.ErrCompanyDeleted
	}
	state.company = company
	return nil
}

func (p *Pipeline) generateQuestions(jc *jobrt.Context, state *reportState) error {
	name := state.company.Name
	state.questions = []string{
		fmt.Sprintf("What do you know about %s and what is it best known for?", name),
		fmt.Sprintf("What companies would you recommend in %s's market, and where does %s rank among them?", name, name),
		fmt.Sprintf("What are the main strengths and weaknesses people associate with %s?", name),
		fmt.Sprintf("If someone asked for an alternative to %s, what would you suggest and why?", name),
	}
	return nil
}

// runModelAgents fans one agent out per configured provider. Each agent
// runs its questions sequentially through the provider's circuit; providers
// run in parallel to each other. The step fails only when every provider
// fails, so one vendor outage degrades coverage instead of killing the run.
func (p *Pipeline) runModelAgents(jc *jobrt.Context, state *reportState) error {
	if len(jc.Providers) == 0 {
		return fmt.Errorf("no model providers configured")
	}

	var mu sync.Mutex
	perProvider := map[string]error{}

	g, ctx := errgroup.WithContext(jc.Ctx)
	for _, prov := range jc.Providers {
		prov := prov
		g.Go(func() error {
			answers := make([]string, 0, len(state.questions))
			for _, question := range state.questions {
				var out string
				callStart := time.Now()
				err := jc.Breaker.Call(ctx, prov.Key(), func(callCtx context.Context) error {
					var cErr error
					out, cErr = prov.Complete(callCtx, providers.Request{
						System: "You are a consumer answering from general knowledge. Answer plainly.",
						Prompt: question,
					})
					return cErr
				})
				if jc.Metrics != nil {
					result := "ok"
					if err != nil {
						result = "error"
						if errors.Is(err, breaker.ErrOpen) {
							result = "rejected"
						}
					}
					jc.Metrics.ProviderCall(prov.Key(), result, time.Since(callStart))
				}
				if err != nil {
					mu.Lock()
					perProvider[prov.Key()] = err
					mu.Unlock()
					p.log.Warn("model agent failed", "provider", prov.Key(), "error", err)
					return nil // other providers keep going
				}
				answers = append(answers, out)
			}
			mu.Lock()
			state.answers[prov.Key()] = answers
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(state.answers) == 0 {
		parts := make([]string, 0, len(perProvider))
		for key, err := range perProvider {
			parts = append(parts, fmt.Sprintf("%s: %v", key, err))
		}
		return fmt.Errorf("all providers failed: %s", strings.Join(parts, "; "))
	}
	return nil
}

func (p *Pipeline) computeMetrics(jc *jobrt.Context, state *reportState) error {
	name := strings.ToLower(state.company.Name)
	totalAnswers := 0
	mentioned := 0
	perProvider := map[string]any{}
	for key, answers := range state.answers {
		hits := 0
		for _, a := range answers {
			totalAnswers++
			if strings.Contains(strings.ToLower(a), name) {
				hits++
				mentioned++
			}
		}
		perProvider[key] = map[string]any{
			"answers":  len(answers),
			"mentions": hits,
		}
	}
	if totalAnswers == 0 {
		return fmt.Errorf("no answers to score")
	}
	state.metrics = map[string]any{
		"visibility_score": float64(mentioned) / float64(totalAnswers),
		"answers_total":    totalAnswers,
		"mentions_total":   mentioned,
		"providers":        perProvider,
	}
	return nil
}

func (p *Pipeline) finalize(jc *jobrt.Context, state *reportState) error {
	summary := map[string]any{
		"company_id": state.company.ID.String(),
		"period_key": jc.Run.PeriodKey,
		"metrics":    state.metrics,
		"providers":  len(state.answers),
	}
	return jc.StoreResult(summary)
}
