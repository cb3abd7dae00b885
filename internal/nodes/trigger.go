package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// cronParser accepts standard five-field expressions and descriptors such
// as @hourly. CRON_TZ= prefixes are handled by the parser itself.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a schedule_trigger cron expression, applying timezone
// when set.
func ParseCron(expr, timezone string) (cron.Schedule, error) {
	spec := strings.TrimSpace(expr)
	if timezone != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		spec = "CRON_TZ=" + timezone + " " + spec
	}
	return cronParser.Parse(spec)
}

type triggerParams struct {
	RequiredFields []string `json:"required_fields"`
	Path           string   `json:"path"`
	Method         string   `json:"method"`
}

// checkRequired fails when the payload object lacks any of fields.
func checkRequired(ectx *ExecutionContext, fields []string) (map[string]any, string) {
	obj, err := xjson.DecodeObject(ectx.CurrentData)
	if err != nil {
		return nil, fmt.Sprintf("trigger payload is not valid JSON: %v", err)
	}
	var missing []string
	for _, f := range fields {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return obj, fmt.Sprintf("trigger payload missing required fields: %s", strings.Join(missing, ", "))
	}
	return obj, ""
}

// --- ManualTrigger ---

// ManualTrigger starts a branch with the caller's payload unchanged.
type ManualTrigger struct{ base }

func NewManualTrigger(d *Deps) *ManualTrigger {
	return &ManualTrigger{base: newBase("manual_trigger", d)}
}

func (e *ManualTrigger) Validate(params map[string]any) error {
	_, err := decodeParams[triggerParams](e.base, params)
	return err
}

func (e *ManualTrigger) Execute(_ context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[triggerParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if _, msg := checkRequired(ectx, p.RequiredFields); msg != "" {
		return Fail(msg), nil
	}
	res, err := Succeed(ectx.CurrentData)
	if err != nil {
		return nil, err
	}
	return res.Log("manual trigger fired"), nil
}

// --- WebhookTrigger ---

// WebhookTrigger starts a branch with an inbound webhook payload. Its path
// and method params are routed by the webhook package; here the payload is
// passed on unchanged.
type WebhookTrigger struct{ base }

func NewWebhookTrigger(d *Deps) *WebhookTrigger {
	return &WebhookTrigger{base: newBase("webhook_trigger", d)}
}

func (e *WebhookTrigger) Validate(params map[string]any) error {
	_, err := decodeParams[triggerParams](e.base, params)
	return err
}

func (e *WebhookTrigger) Execute(_ context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[triggerParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if _, msg := checkRequired(ectx, p.RequiredFields); msg != "" {
		return Fail(msg), nil
	}
	method := p.Method
	if method == "" {
		method = "POST"
	}
	res, err := Succeed(ectx.CurrentData)
	if err != nil {
		return nil, err
	}
	return res.Log(fmt.Sprintf("webhook %s %s received", method, p.Path)), nil
}

// --- ScheduleTrigger ---

type scheduleParams struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// ScheduleTrigger fires on a cron schedule. When run it reports the fire
// time and the next planned run alongside the incoming payload.
type ScheduleTrigger struct {
	base
	now func() time.Time
}

func NewScheduleTrigger(d *Deps) *ScheduleTrigger {
	return &ScheduleTrigger{base: newBase("schedule_trigger", d), now: time.Now}
}

func (e *ScheduleTrigger) params(raw map[string]any) (scheduleParams, cron.Schedule, error) {
	p, err := decodeParams[scheduleParams](e.base, raw)
	if err != nil {
		return p, nil, err
	}
	sched, err := ParseCron(p.Cron, p.Timezone)
	if err != nil {
		return p, nil, paramError(e.Type(), "invalid cron expression %q: %v", p.Cron, err)
	}
	return p, sched, nil
}

func (e *ScheduleTrigger) Validate(params map[string]any) error {
	_, _, err := e.params(params)
	return err
}

func (e *ScheduleTrigger) Execute(_ context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, sched, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	payload, err := xjson.Decode(ectx.CurrentData)
	if err != nil {
		return Fail(fmt.Sprintf("trigger payload is not valid JSON: %v", err)), nil
	}
	now := e.now()
	return Succeed(map[string]any{
		"triggered_at": now.UTC().Format(time.RFC3339),
		"next_run_at":  sched.Next(now).UTC().Format(time.RFC3339),
		"cron":         p.Cron,
		"data":         payload,
	})
}
