package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/diagram"
	"github.com/rendis/deflow/internal/scheduler"
	"github.com/rendis/deflow/internal/streaming"
	"github.com/rendis/deflow/internal/webhook"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// handleDefine validates a workflow, registers its webhooks and schedules
// and stores it.
func (s *DeflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if len(raw) == 0 {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}
	if wf.ID == "" {
		return mcp.NewToolResultError("workflow.id is required"), nil
	}

	result := s.engine.ValidateWorkflow(wf)
	if vErr := result.ToError(); vErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", vErr)), nil
	}

	userID := req.GetString("user_id", "")
	if userID != "" {
		s.captureSession(ctx, userID)
	}

	// Webhooks first: a route conflict leaves the previous definition intact.
	webhooks := 0
	if s.webhooks != nil {
		n, hookErr := s.webhooks.Register(wf, userID)
		if hookErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("webhook registration failed: %v", hookErr)), nil
		}
		webhooks = n
	}

	schedules := 0
	if s.schedules != nil {
		n, schedErr := s.schedules.Register(wf, userID)
		if schedErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule registration failed: %v", schedErr)), nil
		}
		schedules = n
	}

	replaced := s.workflows.Put(wf)
	s.logger.InfoContext(ctx, "workflow defined",
		"workflow_id", wf.ID, "nodes", len(wf.Nodes), "schedules", schedules, "webhooks", webhooks, "replaced", replaced)

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"replaced":    replaced,
		"schedules":   schedules,
		"webhooks":    webhooks,
		"warnings":    result.Warnings,
	})
}

// handleExecute runs a registered or inline workflow.
func (s *DeflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errMsg := s.resolveWorkflow(req)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	var trigger json.RawMessage
	if t := mcp.ParseStringMap(req, "trigger", nil); t != nil {
		b, err := xjson.Marshal(t)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid trigger: %v", err)), nil
		}
		trigger = b
	}

	userID := req.GetString("user_id", "")
	if userID != "" {
		s.captureSession(ctx, userID)
	}

	stop := s.streamLogs(ctx, streaming.Filter{WorkflowID: wf.ID}, userID)
	exec := s.engine.ExecuteWorkflow(ctx, wf, trigger, userID)
	stop()

	return marshalResult(exec)
}

// handleValidate reports the load-time issues of a workflow.
func (s *DeflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errMsg := s.resolveWorkflow(req)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	result := s.engine.ValidateWorkflow(wf)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleExecution returns one execution record.
func (s *DeflowServer) handleExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.engine.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", getErr)), nil
	}

	out := map[string]any{"execution": exec}
	if req.GetBool("include_logs", false) {
		logs, logErr := s.engine.GetExecutionLogs(ctx, executionID)
		if logErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("log lookup failed: %v", logErr)), nil
		}
		out["logs"] = logs
	}
	return marshalResult(out)
}

// handleQuery lists executions, workflows, schedules, webhooks or node types.
func (s *DeflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "workflows":
		return s.queryWorkflows()
	case "schedules":
		return s.querySchedules(filter)
	case "webhooks":
		return s.queryWebhooks(filter)
	case "node_types":
		return s.queryNodeTypes(filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleRetry re-runs a failed node of a registered workflow.
func (s *DeflowServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	wf, ok := s.workflows.Get(workflowID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q not found", workflowID)), nil
	}

	exec, retryErr := s.engine.RetryFromNode(ctx, wf, executionID, nodeID)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", retryErr)), nil
	}
	return marshalResult(exec)
}

// handleClear drops the execution history.
func (s *DeflowServer) handleClear(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.engine.ClearExecutionHistory(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true})
}

// handleDiagram generates a workflow diagram in the requested format.
func (s *DeflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "image", "svg":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, image, or svg"), nil
	}

	wf, errMsg := s.resolveWorkflow(req)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	var exec *schema.WorkflowExecution
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		exec, err = s.engine.GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
	}

	model, buildErr := diagram.Build(wf, s.engine.Catalog(), exec)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		encoded := base64.StdEncoding.EncodeToString(png)
		return mcp.NewToolResultImage(model.Title, encoded, "image/png"), nil
	}
}

// --- Query helpers ---

func (s *DeflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	var (
		execs []*schema.WorkflowExecution
		err   error
	)
	if wfID := extractString(filter, "workflow_id"); wfID != "" {
		execs, err = s.engine.ListExecutions(ctx, wfID)
	} else {
		execs, err = s.engine.GetAllExecutions(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	if status := extractString(filter, "status"); status != "" {
		kept := execs[:0]
		for _, e := range execs {
			if string(e.Status) == status {
				kept = append(kept, e)
			}
		}
		execs = kept
	}

	// Newest last; keep the most recent.
	if limit := extractInt(filter, "limit", 50); limit > 0 && len(execs) > limit {
		execs = execs[len(execs)-limit:]
	}
	return marshalResult(map[string]any{"executions": execs})
}

type workflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Nodes       int    `json:"nodes"`
	Connections int    `json:"connections"`
}

func (s *DeflowServer) queryWorkflows() (*mcp.CallToolResult, error) {
	list := s.workflows.List()
	out := make([]workflowSummary, 0, len(list))
	for _, wf := range list {
		out = append(out, workflowSummary{
			ID:          wf.ID,
			Name:        wf.Name,
			Nodes:       len(wf.Nodes),
			Connections: len(wf.Connections),
		})
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *DeflowServer) querySchedules(filter map[string]any) (*mcp.CallToolResult, error) {
	jobs := []scheduler.Job{}
	if s.schedules != nil {
		wfID := extractString(filter, "workflow_id")
		for _, j := range s.schedules.Jobs() {
			if wfID == "" || j.WorkflowID == wfID {
				jobs = append(jobs, j)
			}
		}
	}
	return marshalResult(map[string]any{"schedules": jobs})
}

func (s *DeflowServer) queryWebhooks(filter map[string]any) (*mcp.CallToolResult, error) {
	routes := []webhook.Route{}
	if s.webhooks != nil {
		wfID := extractString(filter, "workflow_id")
		for _, r := range s.webhooks.Routes() {
			if wfID == "" || r.WorkflowID == wfID {
				routes = append(routes, r)
			}
		}
	}
	return marshalResult(map[string]any{"webhooks": routes})
}

func (s *DeflowServer) queryNodeTypes(filter map[string]any) (*mcp.CallToolResult, error) {
	category := extractString(filter, "category")
	defs := []catalog.Definition{}
	for _, d := range s.engine.Catalog().List() {
		if category == "" || d.Category == category {
			defs = append(defs, d)
		}
	}
	return marshalResult(map[string]any{"node_types": defs})
}

// --- Internal helpers ---

// resolveWorkflow returns the registered workflow named by workflow_id, or
// the inline workflow argument. A non-empty string is the tool error.
func (s *DeflowServer) resolveWorkflow(req mcp.CallToolRequest) (*schema.Workflow, string) {
	if id := req.GetString("workflow_id", ""); id != "" {
		wf, ok := s.workflows.Get(id)
		if !ok {
			return nil, fmt.Sprintf("workflow %q not found", id)
		}
		return wf, ""
	}

	raw := mcp.ParseStringMap(req, "workflow", nil)
	if len(raw) == 0 {
		return nil, "one of workflow_id or workflow is required"
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return nil, fmt.Sprintf("invalid workflow: %v", err)
	}
	return wf, ""
}

// decodeWorkflow turns a loosely typed tool argument into a Workflow.
func decodeWorkflow(raw map[string]any) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := xjson.Convert(raw, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// extractString returns a trimmed string value from a filter map.
func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return strings.TrimSpace(v)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *DeflowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
