package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	Enable(context.Context) error
	RunIfWaitingForDebugger(context.Context) error
	Evaluate(ctx context.Context, expression string, contextID cdpr.ExecutionContextID, awaitPromise bool) (*cdpr.RemoteObject, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Enable(ctx context.Context) error {
	if err := cdpr.Enable().Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("enabling runtime CDP domain: %w", err)
	}

	return nil
}

// RunIfWaitingForDebugger resumes a target that was attached while paused.
func (r *runtime) RunIfWaitingForDebugger(ctx context.Context) error {
	if err := cdpr.RunIfWaitingForDebugger().Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("resuming target: %w", err)
	}

	return nil
}

// Evaluate evaluates expression in the given execution context. Objects
// are returned by reference. A thrown exception is returned as an
// *EvaluationError.
func (r *runtime) Evaluate(
	ctx context.Context, expression string, contextID cdpr.ExecutionContextID, awaitPromise bool,
) (*cdpr.RemoteObject, error) {
	action := cdpr.Evaluate(expression).
		WithContextID(contextID).
		WithAwaitPromise(awaitPromise)

	res, exception, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	if exception != nil {
		return nil, &EvaluationError{Text: exceptionText(exception)}
	}

	return res, nil
}

// EvaluationError is a JavaScript exception thrown by an evaluated expression.
type EvaluationError struct {
	Text string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed: %s", e.Text)
}

func exceptionText(d *cdpr.ExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
