package registry

import (
	"context"
	"encoding/json"
	"testing"
)

type testWorkflow struct{}

func (testWorkflow) Meta() WorkflowMeta { return WorkflowMeta{Name: "fulfill", Module: "orders"} }
func (testWorkflow) Steps() []Step {
	return []Step{{Name: "charge", Run: func(ctx Context) error { return nil }}}
}

func TestRegisterAndResolveWorkflow(t *testing.T) {
	r := New()
	if err := r.RegisterWorkflow(func() Workflow { return testWorkflow{} }); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	wf, steps, err := r.ResolveWorkflow("orders", "fulfill")
	if err != nil {
		t.Fatalf("ResolveWorkflow: %v", err)
	}
	if wf.Meta().Name != "fulfill" {
		t.Fatalf("expected resolved workflow named fulfill, got %q", wf.Meta().Name)
	}
	if len(steps) != 1 || steps[0].Name != "charge" {
		t.Fatalf("expected one step named charge, got %+v", steps)
	}

	if _, _, err := r.ResolveWorkflow("orders", "missing"); err == nil {
		t.Fatalf("expected an error resolving an unregistered workflow")
	}
}

func TestRegisterWorkflow_RejectsDuplicateStepNames(t *testing.T) {
	r := New()
	dup := func() Workflow {
		return dupStepsWorkflow{}
	}
	if err := r.RegisterWorkflow(dup); err == nil {
		t.Fatalf("expected RegisterWorkflow to reject duplicate step names")
	}
}

type dupStepsWorkflow struct{}

func (dupStepsWorkflow) Meta() WorkflowMeta { return WorkflowMeta{Name: "dup", Module: "m"} }
func (dupStepsWorkflow) Steps() []Step {
	run := func(ctx Context) error { return nil }
	return []Step{{Name: "a", Run: run}, {Name: "a", Run: run}}
}

func TestRegisterWorkflow_RejectsNoSteps(t *testing.T) {
	r := New()
	if err := r.RegisterWorkflow(func() Workflow { return noStepsWorkflow{} }); err == nil {
		t.Fatalf("expected RegisterWorkflow to reject a workflow with no steps")
	}
}

type noStepsWorkflow struct{}

func (noStepsWorkflow) Meta() WorkflowMeta { return WorkflowMeta{Name: "empty", Module: "m"} }
func (noStepsWorkflow) Steps() []Step      { return nil }

func TestRegisterActivity_ValidatesRetryAndTimeoutBounds(t *testing.T) {
	fn := func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil }

	r := New()
	if err := r.RegisterActivity(ActivityDef{
		Name: "charge", Module: "orders", Func: "Charge",
		RetryCount: 3, TimeoutSeconds: 30, Fn: fn,
	}); err != nil {
		t.Fatalf("expected a valid activity definition to register, got %v", err)
	}

	def, err := r.ResolveActivity("orders", "Charge")
	if err != nil {
		t.Fatalf("ResolveActivity: %v", err)
	}
	if def.Name != "charge" {
		t.Fatalf("expected resolved activity named charge, got %q", def.Name)
	}

	if err := r.RegisterActivity(ActivityDef{
		Name: "bad", Module: "orders", Func: "Bad",
		RetryCount: 101, TimeoutSeconds: 30, Fn: fn,
	}); err == nil {
		t.Fatalf("expected RegisterActivity to reject retry_count out of [0,100]")
	}

	if err := r.RegisterActivity(ActivityDef{
		Name: "bad2", Module: "orders", Func: "Bad2",
		RetryCount: 1, TimeoutSeconds: 3601, Fn: fn,
	}); err == nil {
		t.Fatalf("expected RegisterActivity to reject timeout_seconds out of (0,3600]")
	}
}
