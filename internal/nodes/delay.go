package nodes

import (
	"context"
	"time"

	"github.com/rendis/deflow/pkg/schema"
)

const defaultDelay = time.Second

type delayParams struct {
	Duration string   `json:"duration"`
	Seconds  *float64 `json:"seconds"`
}

// Delay waits before passing its input payload on. The wait is capped and
// ends early when the node's context is cancelled.
type Delay struct {
	base
	max time.Duration
}

func NewDelay(d *Deps) *Delay {
	return &Delay{base: newBase("delay", d), max: d.MaxDelay}
}

func (e *Delay) wait(raw map[string]any) (time.Duration, error) {
	p, err := decodeParams[delayParams](e.base, raw)
	if err != nil {
		return 0, err
	}
	d := defaultDelay
	switch {
	case p.Duration != "":
		d, err = time.ParseDuration(p.Duration)
		if err != nil || d < 0 {
			return 0, paramError(e.Type(), "invalid duration %q", p.Duration)
		}
	case p.Seconds != nil:
		d = time.Duration(*p.Seconds * float64(time.Second))
	}
	if d > e.max {
		return 0, paramError(e.Type(), "delay %s exceeds maximum %s", d, e.max)
	}
	return d, nil
}

func (e *Delay) Validate(params map[string]any) error {
	_, err := e.wait(params)
	return err
}

func (e *Delay) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	d, err := e.wait(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res, err := Succeed(ectx.CurrentData)
	if err != nil {
		return nil, err
	}
	return res.Log("delayed " + d.String()), nil
}
