// Package webhook starts workflows from inbound HTTP requests. Routes come
// from the path and method parameters of webhook_trigger nodes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

const (
	// DefaultPrefix is where RegisterRoutes mounts the router.
	DefaultPrefix = "/hooks"
	// DefaultMaxBody bounds the request body read as the trigger payload.
	DefaultMaxBody = 1 << 20

	webhookTriggerType = "webhook_trigger"
)

// Runner runs a workflow. Satisfied by *engine.Engine.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, wf *schema.Workflow, trigger json.RawMessage, userID string) *schema.WorkflowExecution
}

// Route maps one method and path to a webhook_trigger node.
type Route struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`
	UserID     string `json:"user_id,omitempty"`

	workflow *schema.Workflow
}

func (r *Route) key() string { return r.Method + " " + r.Path }

type Config struct {
	Prefix  string
	MaxBody int64
	Logger  *slog.Logger
}

// Router dispatches webhook requests to the workflows that registered them.
type Router struct {
	runner  Runner
	prefix  string
	maxBody int64
	logger  *slog.Logger

	mu     sync.RWMutex
	routes map[string]*Route
}

func NewRouter(runner Runner, cfg Config) *Router {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		runner:  runner,
		prefix:  "/" + strings.Trim(cfg.Prefix, "/"),
		maxBody: cfg.MaxBody,
		logger:  cfg.Logger.With("component", "webhook"),
		routes:  make(map[string]*Route),
	}
}

// RegisterRoutes mounts the router under its prefix.
func (r *Router) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(r.prefix+"/", r)
}

// Register adds a route for every webhook_trigger node of wf that has a
// path, replacing routes previously registered for the same workflow. A
// route already owned by another workflow is a conflict and nothing is
// registered. It returns the number of routes registered.
func (r *Router) Register(wf *schema.Workflow, userID string) (int, error) {
	if wf == nil || wf.ID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}

	var routes []*Route
	seen := make(map[string]string)
	for _, n := range wf.Nodes {
		if n.NodeType != webhookTriggerType {
			continue
		}
		p, _ := n.Param("path")
		raw, ok := p.(string)
		if !ok || raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, "/") {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "webhook path %q must start with /", raw).WithNode(n.ID)
		}
		m, _ := n.Param("method")
		method, _ := m.(string)
		if method == "" {
			method = http.MethodPost
		}
		rt := &Route{
			Method:     strings.ToUpper(method),
			Path:       path.Clean(raw),
			WorkflowID: wf.ID,
			NodeID:     n.ID,
			UserID:     userID,
			workflow:   wf,
		}
		if other, dup := seen[rt.key()]; dup {
			return 0, schema.NewErrorf(schema.ErrCodeConflict,
				"nodes %s and %s both listen on %s", other, n.ID, rt.key()).WithNode(n.ID)
		}
		seen[rt.key()] = n.ID
		routes = append(routes, rt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range routes {
		if cur, ok := r.routes[rt.key()]; ok && cur.WorkflowID != wf.ID {
			return 0, schema.NewErrorf(schema.ErrCodeConflict,
				"%s is already routed to workflow %s", rt.key(), cur.WorkflowID).WithNode(rt.NodeID)
		}
	}
	r.removeLocked(wf.ID)
	for _, rt := range routes {
		r.routes[rt.key()] = rt
	}
	if len(routes) > 0 {
		r.logger.Info("webhooks registered", slog.String("workflow_id", wf.ID), slog.Int("routes", len(routes)))
	}
	return len(routes), nil
}

// Unregister drops every route of workflowID and returns how many were removed.
func (r *Router) Unregister(workflowID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(workflowID)
}

func (r *Router) removeLocked(workflowID string) int {
	removed := 0
	for k, rt := range r.routes {
		if rt.WorkflowID == workflowID {
			delete(r.routes, k)
			removed++
		}
	}
	return removed
}

// Routes returns the registered routes ordered by path, then method.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, rt := range r.routes {
		cp := *rt
		cp.workflow = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Method < out[b].Method
	})
	return out
}

// match returns the route for method and p, and the methods registered for
// p when none matches.
func (r *Router) match(method, p string) (*Route, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.routes[method+" "+p]; ok {
		return rt, nil
	}
	var allowed []string
	for _, rt := range r.routes {
		if rt.Path == p {
			allowed = append(allowed, rt.Method)
		}
	}
	sort.Strings(allowed)
	return nil, allowed
}

// ServeHTTP runs the routed workflow with the request body as its trigger
// payload and responds with the execution record. A failed execution is
// still a 200; its status is in the body.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p, ok := strings.CutPrefix(req.URL.Path, r.prefix)
	if !ok || p == "" {
		r.writeError(w, http.StatusNotFound, "no webhook route")
		return
	}
	p = path.Clean(p)

	rt, allowed := r.match(req.Method, p)
	if rt == nil {
		if len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.writeError(w, http.StatusNotFound, "no webhook route for "+p)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = nil
	} else if _, err := xjson.Decode(body); err != nil {
		r.writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	r.logger.InfoContext(req.Context(), "webhook received",
		slog.String("route", rt.key()),
		slog.String("workflow_id", rt.WorkflowID),
	)
	// The run outlives a client that hangs up.
	exec := r.runner.ExecuteWorkflow(context.WithoutCancel(req.Context()), rt.workflow, body, rt.UserID)
	if exec == nil {
		r.writeError(w, http.StatusInternalServerError, "execution was not started")
		return
	}
	w.Header().Set("X-Deflow-Execution-Id", exec.ID)
	r.writeJSON(w, http.StatusOK, exec)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := xjson.Marshal(v)
	if err != nil {
		r.logger.Error("encode webhook response", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
