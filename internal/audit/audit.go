package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"geoattend/internal/model"
	"geoattend/internal/queue"
)

// MessageType marks audit messages on the shared queue.
const MessageType = "audit"

// Actions recorded by the service.
const (
	ActionScan         = "SCAN_QR_ATTENDANCE"
	ActionScanFailed   = "SCAN_QR_ATTENDANCE_FAILED"
	ActionReview       = "REVIEW_ATTENDANCE"
	ActionIssueQR      = "ISSUE_QR_SESSION"
	ActionExpireQR     = "EXPIRE_QR_SESSION"
	ActionUpdateConfig = "UPDATE_SETTINGS"
)

// Publisher hands audit events to the queue. Failures are logged only, so
// auditing never fails the action being audited.
type Publisher struct {
	q queue.Queue
}

// NewPublisher wraps q. A nil queue disables auditing.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Publish enqueues evt, filling id and timestamp when unset.
func (p *Publisher) Publish(ctx context.Context, evt model.AuditEvent) {
	if p == nil || p.q == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("audit encode failed: %v", err)
		return
	}
	if err := p.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		log.Printf("audit publish failed action=%s: %v", evt.Action, err)
	}
}

// Writer persists audit events.
type Writer interface {
	InsertAudit(ctx context.Context, evt model.AuditEvent) error
}

// Consume drains audit messages from q into w until ctx ends. Messages of
// other types are skipped.
func Consume(ctx context.Context, q queue.Queue, w Writer) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if msg.Type != MessageType {
			continue
		}
		var evt model.AuditEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("audit decode failed: %v", err)
			continue
		}
		if err := w.InsertAudit(ctx, evt); err != nil {
			log.Printf("audit insert failed id=%s: %v", evt.ID, err)
		}
	}
	return ctx.Err()
}
