package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/deflow/internal/streaming"
	"github.com/rendis/deflow/pkg/schema"
)

// logNotificationMethod is the MCP method used for pushed log lines.
const logNotificationMethod = "notifications/message"

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, params map[string]any) error
}

// MCPNotifier implements UserNotifier using MCP session push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, params map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, logNotificationMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// logParams shapes a log event as MCP logging notification params.
func logParams(ev streaming.LogEvent) map[string]any {
	return map[string]any{
		"level":  mcpLevel(ev.Log.Level),
		"logger": "deflow",
		"data":   ev,
	}
}

func mcpLevel(l schema.LogLevel) string {
	switch l {
	case schema.LogLevelWarn:
		return "warning"
	case schema.LogLevelDebug, schema.LogLevelInfo, schema.LogLevelError:
		return string(l)
	default:
		return "info"
	}
}

// streamLogs forwards hub events matching filter to userID until the
// returned stop func is called. stop drains what was already published.
func (s *DeflowServer) streamLogs(ctx context.Context, filter streaming.Filter, userID string) (stop func()) {
	if s.hub == nil || s.notifier == nil || userID == "" {
		return func() {}
	}
	events, cancel, err := s.hub.Subscribe(ctx, filter)
	if err != nil {
		s.logger.WarnContext(ctx, "log stream subscribe failed", slog.Any("error", err))
		return func() {}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if nErr := s.notifier.Notify(ctx, userID, logParams(ev)); nErr != nil {
				s.logger.DebugContext(ctx, "log notification failed",
					slog.String("user_id", userID), slog.Any("error", nErr))
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
