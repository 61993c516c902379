// Package notify turns lifecycle events into recipient-addressed
// notifications.
//
// The emitter is advisory: it runs after a state transition commits, never
// returns an error to the caller, and a failed emit never rolls back the
// transition it documents. Delivery (push, email) is a separate concern; this
// package only produces the records.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devsouq/devsouq/internal/idgen"
	"github.com/devsouq/devsouq/internal/money"
)

var ErrNotFound = errors.New("notification not found")

// EventType identifies the lifecycle event a notification documents.
type EventType string

const (
	EventPaymentReceived      EventType = "payment_received"
	EventProjectDelivered     EventType = "project_delivered"
	EventRevisionRequested    EventType = "revision_requested"
	EventEarningsReleased     EventType = "earnings_released"
	EventDisputeOpened        EventType = "dispute_opened"
	EventTransactionCancelled EventType = "transaction_cancelled"
)

// Priority drives how the delivery layer surfaces a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Event is the tagged input to the renderer. Type selects which payload
// fields are meaningful.
type Event struct {
	Type          EventType
	RecipientID   string
	TransactionID string
	ProjectTitle  string
	AmountCents   int64

	ReviewDeadline time.Time // project_delivered
	Feedback       string    // revision_requested
	Auto           bool      // earnings_released
	ActorID        string    // dispute_opened, transaction_cancelled
	Reason         string    // dispute_opened
}

// render produces the human-readable copy and priority for an event. The
// switch is exhaustive over the declared event types; anything else is a
// programming error surfaced to the emitter's failure counter.
func render(e Event) (title, message string, priority Priority, err error) {
	switch e.Type {
	case EventPaymentReceived:
		return "Payment received",
			fmt.Sprintf("A buyer paid %s for %q. The funds are held in escrow until delivery is approved.",
				money.Format(e.AmountCents), e.ProjectTitle),
			PriorityHigh, nil

	case EventProjectDelivered:
		return "Project delivered",
			fmt.Sprintf("Files for %q are ready for review. Approve or request changes before %s, or the funds release automatically.",
				e.ProjectTitle, e.ReviewDeadline.Format("Jan 2, 2006")),
			PriorityMedium, nil

	case EventRevisionRequested:
		msg := fmt.Sprintf("The buyer requested changes on %q.", e.ProjectTitle)
		if e.Feedback != "" {
			msg += " Feedback: " + e.Feedback
		}
		return "Revision requested", msg, PriorityMedium, nil

	case EventEarningsReleased:
		msg := fmt.Sprintf("Your earnings of %s for %q are now available for withdrawal.",
			money.Format(e.AmountCents), e.ProjectTitle)
		if e.Auto {
			msg = fmt.Sprintf("The review window for %q expired; your earnings of %s were released automatically and are available for withdrawal.",
				e.ProjectTitle, money.Format(e.AmountCents))
		}
		return "Earnings released", msg, PriorityHigh, nil

	case EventDisputeOpened:
		msg := fmt.Sprintf("A dispute was opened on %q. The escrowed funds are frozen until it is resolved.", e.ProjectTitle)
		if e.Reason != "" {
			msg += " Reason: " + e.Reason
		}
		return "Dispute opened", msg, PriorityUrgent, nil

	case EventTransactionCancelled:
		return "Transaction cancelled",
			fmt.Sprintf("The transaction for %q was cancelled and the escrowed %s refunded to the buyer.",
				e.ProjectTitle, money.Format(e.AmountCents)),
			PriorityMedium, nil
	}
	return "", "", "", fmt.Errorf("unknown event type %q", e.Type)
}

// Notification is one addressed message, persisted for later delivery.
type Notification struct {
	ID            string     `json:"id"`
	RecipientID   string     `json:"recipientId"`
	Type          EventType  `json:"type"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Priority      Priority   `json:"priority"`
	TransactionID string     `json:"transactionId,omitempty"`
	Read          bool       `json:"read"`
	ReadAt        *time.Time `json:"readAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*Notification, error)
	// MarkRead flags one notification; returns ErrNotFound unless the row
	// exists and belongs to the recipient.
	MarkRead(ctx context.Context, id, recipientID string) (*Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devsouq",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devsouq",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

const emitTimeout = 5 * time.Second

// Emitter renders and persists notifications. All methods are
// fire-and-forget: failures are logged and counted, never returned.
type Emitter struct {
	store  Store
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger}
}

// Emit renders the event and writes one notification for its recipient.
func (em *Emitter) Emit(e Event) {
	if em == nil || em.store == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(e.Type)).Inc()

	title, message, priority, err := render(e)
	if err != nil {
		notifyEmitErrors.WithLabelValues(string(e.Type)).Inc()
		em.logger.Error("notification render failed", "event", e.Type, "error", err)
		return
	}

	n := &Notification{
		ID:            idgen.WithPrefix("ntf_"),
		RecipientID:   e.RecipientID,
		Type:          e.Type,
		Title:         title,
		Message:       message,
		Priority:      priority,
		TransactionID: e.TransactionID,
		CreatedAt:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := em.store.Insert(ctx, n); err != nil {
		notifyEmitErrors.WithLabelValues(string(e.Type)).Inc()
		em.logger.Warn("notification emit failed",
			"event", e.Type,
			"recipient", e.RecipientID,
			"transaction_id", e.TransactionID,
			"error", err)
	}
}
