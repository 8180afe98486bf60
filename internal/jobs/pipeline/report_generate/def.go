package report_generate

import (
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

// Pipeline steps in execution order. Run restarts from the top on every
// attempt, so step results from a failed attempt are never reused.
const (
	StepFetchContext      = "fetch_context"
	StepGenerateQuestions = "generate_questions"
	StepRunModelAgents    = "run_model_agents"
	StepComputeMetrics    = "compute_metrics"
	StepFinalize          = "finalize"
)

var StepNames = []string{
	StepFetchContext,
	StepGenerateQuestions,
	StepRunModelAgents,
	StepComputeMetrics,
	StepFinalize,
}

type Pipeline struct {
	log *logger.Logger
}

func New(baseLog *logger.Logger) *Pipeline {
	return &Pipeline{
		log: baseLog.With("job", types.JobTypeReportGenerate),
	}
}

func (p *Pipeline) Type() string { return types.JobTypeReportGenerate }
