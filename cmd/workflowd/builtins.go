package main

import (
	"context"

	"github.com/runflow-dev/workflow/orchestrator"
	"github.com/runflow-dev/workflow/stepexec"
)

// demoWorkflowName and demoStepName register a minimal, always-available
// workflow so a freshly cloned workflowd is runnable standalone (POST a
// run against workflow.echo) without requiring an external manifest/bundler
// to have run first. Real deployments register their own workflows and
// steps the same way, by name, from their own main package.
const (
	demoWorkflowName = "echo"
	demoStepName     = "echo.uppercase"
)

func registerBuiltins(orch *orchestrator.Orchestrator, exec *stepexec.Executor) {
	orch.Register(demoWorkflowName, echoWorkflow)
	exec.Register(demoStepName, echoUppercaseStep, stepexec.Policy{MaxRetries: stepexec.DefaultMaxRetries})
}

// echoWorkflow runs a single step on its input and returns the result,
// demonstrating the Step call/suspend/resume contract orchestrator.Workflow
// functions follow.
func echoWorkflow(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
	return rc.Step(ctx, "step-1", demoStepName, input, nil)
}

func echoUppercaseStep(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
	if len(args) == 0 {
		return "", nil
	}
	s, _ := args[0].(string)
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out), nil
}
