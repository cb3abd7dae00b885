package nodes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// Message is an outgoing email.
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from,omitempty"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Mailer delivers messages composed by the email executor.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Outbox is a Mailer that keeps every message in memory.
type Outbox struct {
	mu   sync.Mutex
	sent []Message
}

func NewOutbox() *Outbox { return &Outbox{} }

func (o *Outbox) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	o.sent = append(o.sent, msg)
	o.mu.Unlock()
	return nil
}

// Sent returns a copy of the delivered messages.
func (o *Outbox) Sent() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.sent...)
}

type emailParams struct {
	To           []string `json:"to"`
	From         string   `json:"from"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	IncludeInput bool     `json:"include_input"`
}

// Email composes a notification and hands it to the configured Mailer.
type Email struct {
	base
	mailer Mailer
	now    func() time.Time
}

func NewEmail(d *Deps) *Email {
	return &Email{base: newBase("email", d), mailer: d.Mailer, now: time.Now}
}

func (e *Email) Validate(params map[string]any) error {
	_, err := decodeParams[emailParams](e.base, params)
	return err
}

func (e *Email) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[emailParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	body := p.Body
	if p.IncludeInput {
		var sb strings.Builder
		sb.WriteString(body)
		if body != "" {
			sb.WriteString("\n\n")
		}
		sb.Write(xjson.Normalize(ectx.CurrentData))
		body = sb.String()
	}

	msg := Message{
		ID:      uuid.NewString(),
		From:    p.From,
		To:      p.To,
		Subject: p.Subject,
		Body:    body,
		SentAt:  e.now().UTC(),
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		return Fail(fmt.Sprintf("send email: %v", err)), nil
	}

	return Succeed(map[string]any{
		"message_id": msg.ID,
		"to":         msg.To,
		"subject":    msg.Subject,
		"sent_at":    msg.SentAt.Format(time.RFC3339),
	})
}
