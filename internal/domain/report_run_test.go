package domain

import (
	"testing"
	"time"
)

func TestCanTransitionRun(t *testing.T) {
	allowed := map[[2]string]bool{
		{RunStatusQueued, RunStatusInProgress}:    true,
		{RunStatusQueued, RunStatusFailed}:        true,
		{RunStatusInProgress, RunStatusCompleted}: true,
		{RunStatusInProgress, RunStatusFailed}:    true,
	}
	statuses := []string{RunStatusQueued, RunStatusInProgress, RunStatusCompleted, RunStatusFailed}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]string{from, to}]
			if got := CanTransitionRun(from, to); got != want {
				t.Fatalf("CanTransitionRun(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStepStatusRoundTrip(t *testing.T) {
	names := []string{"fetch_context", "generate_questions", "run_model_agents", "compute_metrics", "finalize"}
	steps := NewStepStatuses(names)
	if len(steps) != len(names) {
		t.Fatalf("expected %d steps, got %d", len(names), len(steps))
	}
	for i, s := range steps {
		if s.Name != names[i] {
			t.Fatalf("step %d: order lost, got %q want %q", i, s.Name, names[i])
		}
		if s.State != StepStatePending {
			t.Fatalf("step %d: expected PENDING, got %q", i, s.State)
		}
	}

	now := time.Now().UTC()
	steps = SetStepState(steps, "fetch_context", StepStateRunning, now, "")
	steps = SetStepState(steps, "fetch_context", StepStateDone, now.Add(time.Second), "")
	steps = SetStepState(steps, "generate_questions", StepStateRunning, now.Add(time.Second), "")
	steps = SetStepState(steps, "generate_questions", StepStateError, now.Add(2*time.Second), "provider timeout")

	decoded := UnmarshalStepStatuses(MarshalStepStatuses(steps))
	if len(decoded) != len(names) {
		t.Fatalf("round trip lost steps: got %d", len(decoded))
	}
	if decoded[0].State != StepStateDone || decoded[0].StartedAt == nil || decoded[0].FinishedAt == nil {
		t.Fatalf("fetch_context not DONE with timestamps: %+v", decoded[0])
	}
	if decoded[1].State != StepStateError || decoded[1].Error != "provider timeout" {
		t.Fatalf("generate_questions not ERROR with message: %+v", decoded[1])
	}
	if decoded[2].State != StepStatePending {
		t.Fatalf("run_model_agents should still be PENDING: %+v", decoded[2])
	}
}

func TestSetStepStateUnknownNameAppends(t *testing.T) {
	steps := NewStepStatuses([]string{"finalize"})
	steps = SetStepState(steps, "extra", StepStateRunning, time.Now().UTC(), "")
	if len(steps) != 2 || steps[1].Name != "extra" {
		t.Fatalf("unknown step name should append: %+v", steps)
	}
}
