// Package notify fans operator alerts out to chat and messaging sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/catalog"
	"github.com/zulandar/signalbox/internal/conversation"
	"github.com/zulandar/signalbox/internal/logging"
)

// Kind identifies what an Alert is about. It doubles as the routing key of
// published events.
type Kind string

const (
	KindConversationAlert Kind = "conversation.alert.v1"
	KindTemplateStatus    Kind = "template.status.v1"
)

// Field is a labelled value rendered alongside the alert body.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// Alert is one operator notification.
type Alert struct {
	Kind    Kind      `json:"kind"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Color   string    `json:"color,omitempty"` // hex, e.g. "#d93f0b"
	Fields  []Field   `json:"fields,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi delivers to every notifier and joins their errors. One failing sink
// does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{zap.String("kind", string(a.Kind)), zap.String("body", a.Body)}
	for _, f := range a.Fields {
		fields = append(fields, zap.String(f.Name, f.Value))
	}
	logging.OrNop(l.Logger).Warn(a.Subject, fields...)
	return nil
}

const (
	colorAlert    = "#d93f0b"
	colorApproved = "#36a64f"
	colorPending  = "#dbab09"
)

// ConversationAlert describes a conversation whose alert flag was raised.
func ConversationAlert(businessNumber string, c conversation.Conversation) Alert {
	a := Alert{
		Kind:    KindConversationAlert,
		Subject: fmt.Sprintf("Conversation %s needs attention", c.ID),
		Color:   colorAlert,
		Fields: []Field{
			{Name: "business_number", Value: businessNumber, Short: true},
			{Name: "conversation", Value: c.ID, Short: true},
			{Name: "response_mode", Value: string(c.ResponseMode), Short: true},
		},
		At: time.Now().UTC(),
	}
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		a.Body = fmt.Sprintf("Last %s message: %s", last.Direction, last.Text)
	}
	return a
}

// TemplateStatus describes a moderation status transition.
func TemplateStatus(ch catalog.StatusChange) Alert {
	from := string(ch.From)
	if from == "" {
		from = "new"
	}
	a := Alert{
		Kind:    KindTemplateStatus,
		Subject: fmt.Sprintf("Template %s (%s) is %s", ch.Name, ch.Language, ch.To),
		Body:    fmt.Sprintf("%s -> %s", from, ch.To),
		Fields: []Field{
			{Name: "template", Value: ch.Name, Short: true},
			{Name: "language", Value: ch.Language, Short: true},
			{Name: "status", Value: string(ch.To), Short: true},
		},
		At: time.Now().UTC(),
	}
	switch ch.To {
	case catalog.StatusApproved:
		a.Color = colorApproved
	case catalog.StatusRejected, catalog.StatusPaused:
		a.Color = colorAlert
	default:
		a.Color = colorPending
	}
	if ch.Reason != "" {
		a.Fields = append(a.Fields, Field{Name: "reason", Value: ch.Reason})
	}
	return a
}

// Text renders an alert as plain text for sinks without rich formatting.
func (a Alert) Text() string {
	if a.Body == "" {
		return a.Subject
	}
	return a.Subject + "\n" + a.Body
}

// OnConversationChange returns a conversation engine hook that sends an
// alert for every conversation whose alert flag was raised. The first poll
// of a subscription only establishes the baseline.
func OnConversationChange(ctx context.Context, n Notifier, logger *zap.Logger) func(prev, next conversation.Snapshot) {
	logger = logging.OrNop(logger)
	return func(prev, next conversation.Snapshot) {
		if prev.PolledAt.IsZero() {
			return
		}
		for _, id := range conversation.AlertsRaised(prev, next) {
			c, _ := next.Conversation(id)
			if err := n.Notify(ctx, ConversationAlert(next.BusinessNumber, c)); err != nil {
				logger.Warn("notify conversation alert", zap.String("conversation", id), zap.Error(err))
			}
		}
	}
}

// OnTemplateChange returns a template watcher hook that sends an alert per
// status transition.
func OnTemplateChange(ctx context.Context, n Notifier, logger *zap.Logger) func(catalog.StatusChange) {
	logger = logging.OrNop(logger)
	return func(ch catalog.StatusChange) {
		if err := n.Notify(ctx, TemplateStatus(ch)); err != nil {
			logger.Warn("notify template status", zap.String("template", ch.Name), zap.Error(err))
		}
	}
}
