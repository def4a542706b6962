// Package telemetry wraps a pipeline run in OpenTelemetry spans: one root
// span per run announcing what will execute, one child span per executed
// step.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName = "cigate.plan"
	PlanJSONKey   = "cigate.plan.json"
	StepNamesKey  = "cigate.plan.steps"
	StepCountKey  = "cigate.plan.step_count"
	RunIDKey      = "cigate.run.id"
	PipelineKey   = "cigate.pipeline"
	TriggerKey    = "cigate.trigger"
	CommitKey     = "cigate.commit"
	StepIndexKey  = "cigate.step.index"
	StepNameKey   = "cigate.step.name"
	StepActionKey = "cigate.step.action"
	ExitCodeKey   = "cigate.step.exit_code"
)

// PlannedStep is one step of the run in declaration order.
type PlannedStep struct {
	Index  int    `json:"index"` // 1-indexed
	Name   string `json:"name"`
	Action string `json:"action"` // "run" or a built-in action
}

// Plan describes a run before it starts.
type Plan struct {
	Pipeline string        `json:"pipeline"`
	Trigger  string        `json:"trigger"`
	Commit   string        `json:"commit,omitempty"`
	Steps    []PlannedStep `json:"steps"`
}

// Operation is the root span of a run.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
	steps  map[int]PlannedStep
}

// StartRun opens the span "pipeline <name>" for runID and records the plan
// as an event on it.
func StartRun(ctx context.Context, tracer trace.Tracer, runID string, plan Plan) (*Operation, error) {
	if tracer == nil {
		return nil, errors.New("start telemetry run: tracer is required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("start telemetry run: %w", err)
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("start telemetry run: marshal plan: %w", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String(RunIDKey, runID),
		attribute.String(PipelineKey, plan.Pipeline),
		attribute.String(TriggerKey, plan.Trigger),
		attribute.Int(StepCountKey, len(plan.Steps)),
	}
	if plan.Commit != "" {
		attrs = append(attrs, attribute.String(CommitKey, plan.Commit))
	}
	spanCtx, span := tracer.Start(ctx, "pipeline "+plan.Pipeline, trace.WithAttributes(attrs...))

	names := make([]string, len(plan.Steps))
	steps := make(map[int]PlannedStep, len(plan.Steps))
	for i, step := range plan.Steps {
		names[i] = step.Name
		steps[step.Index] = step
	}
	span.AddEvent(PlanEventName, trace.WithAttributes(
		attribute.String(PlanJSONKey, string(planJSON)),
		attribute.StringSlice(StepNamesKey, names),
	))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span, steps: steps}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span for the planned step at index. A
// returned error marks the span failed. A nil Operation runs fn without a
// span.
func (o *Operation) RunStep(ctx context.Context, index int, fn func(context.Context, trace.Span) error) error {
	if fn == nil {
		return nil
	}
	if o == nil || o.tracer == nil {
		return fn(ctx, trace.SpanFromContext(ctx))
	}
	step, ok := o.steps[index]
	if !ok {
		return fmt.Errorf("run telemetry step: step %d is not in the plan", index)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, fmt.Sprintf("%d %s", step.Index, step.Name), trace.WithAttributes(
		attribute.Int(StepIndexKey, step.Index),
		attribute.String(StepNameKey, step.Name),
		attribute.String(StepActionKey, step.Action),
	))
	defer span.End()

	err := fn(stepCtx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// End closes the root span, recording err when the run failed.
func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

// validatePlan requires a named pipeline and steps numbered 1..n in order.
func validatePlan(plan Plan) error {
	if strings.TrimSpace(plan.Pipeline) == "" {
		return errors.New("pipeline name is required")
	}
	for i, step := range plan.Steps {
		if step.Index != i+1 {
			return fmt.Errorf("step %q has index %d, want %d", step.Name, step.Index, i+1)
		}
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d has no name", step.Index)
		}
	}
	return nil
}
