package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/schema"
	"github.com/loom-run/loom/internal/server"
)

// builtinWorkflows registers the workflows the standalone binary serves.
// Embedders of the server package register their own definitions instead.
func builtinWorkflows(logger *slog.Logger) (*server.WorkflowRegistry, error) {
	registry := server.NewWorkflowRegistry()

	echo, err := engine.NewWorkflow("echo").
		WithDescription("Returns its input unchanged; useful for smoke tests.").
		WithLogger(logger).
		Then(engine.NewStep("echo", func(ctx context.Context, sc *engine.StepContext, input any) (any, error) {
			return input, nil
		})).
		Build()
	if err != nil {
		return nil, err
	}
	if err := registry.Register(echo); err != nil {
		return nil, err
	}

	approval, err := approvalWorkflow(logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(approval); err != nil {
		return nil, err
	}

	return registry, nil
}

// approvalWorkflow demonstrates the human-in-the-loop suspension: it
// normalizes a request, suspends for an approve/reject decision, and
// branches on the answer.
func approvalWorkflow(logger *slog.Logger) (*engine.Workflow, error) {
	minSubjectLen := 1
	return engine.NewWorkflow("approval").
		WithDescription("Suspends for an approve/reject decision and branches on it.").
		WithLogger(logger).
		WithInputSchema(&schema.Object{
			Properties: map[string]schema.Field{
				"subject": {Type: "string", MinLength: &minSubjectLen},
			},
			Required: []string{"subject"},
		}).
		Then(engine.NewStep("normalize", func(ctx context.Context, sc *engine.StepContext, input any) (any, error) {
			m := input.(map[string]any)
			m["subject"] = strings.TrimSpace(m["subject"].(string))
			return m, nil
		})).
		Branch(
			engine.NewHumanStep("decide",
				func(ctx context.Context, sc *engine.StepContext, input any) (*engine.HumanRequest, error) {
					m := input.(map[string]any)
					return &engine.HumanRequest{
						Form: map[string]any{
							"question": fmt.Sprintf("Approve %q?", m["subject"]),
							"options":  []string{"approve", "reject"},
						},
						Payload: m,
					}, nil
				},
				func(data any) (any, error) {
					m, ok := data.(map[string]any)
					if !ok {
						return nil, fmt.Errorf("expected an object with a decision field, got %T", data)
					}
					decision, _ := m["decision"].(string)
					if decision != "approve" && decision != "reject" {
						return nil, fmt.Errorf("decision must be approve or reject, got %q", decision)
					}
					return m, nil
				},
			).WithBranchFunc(func(ctx context.Context, t *engine.Transition) (string, error) {
				return t.Output.(map[string]any)["decision"].(string), nil
			}),
			map[string]*engine.Step{
				"approve": engine.NewStep("accept", func(ctx context.Context, sc *engine.StepContext, input any) (any, error) {
					return map[string]any{"outcome": "approved"}, nil
				}),
				"reject": engine.NewStep("decline", func(ctx context.Context, sc *engine.StepContext, input any) (any, error) {
					return map[string]any{"outcome": "rejected"}, nil
				}),
			},
		).
		Then(engine.NewStep("finish", func(ctx context.Context, sc *engine.StepContext, input any) (any, error) {
			return input, nil
		})).
		Build()
}
