package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geoattend/internal/audit"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/store"
)

// ReviewStore applies conditional status updates. It returns
// store.ErrNotFound for unknown ids and store.ErrConflict when the record
// is no longer PENDING.
type ReviewStore interface {
	ReviewAttendance(ctx context.Context, id string, status model.Status, reviewerID, reason string, at time.Time) (model.Attendance, error)
}

// Reviewer moves PENDING records to a final status.
type Reviewer struct {
	store   ReviewStore
	audit   *audit.Publisher
	metrics *metrics.Metrics
}

func NewReviewer(st ReviewStore, pub *audit.Publisher, m *metrics.Metrics) *Reviewer {
	return &Reviewer{store: st, audit: pub, metrics: m}
}

// Review confirms or rejects a PENDING record. It never re-runs scan validation.
func (r *Reviewer) Review(ctx context.Context, id string, decision model.Status, reviewerID, reason string, now time.Time) (model.Attendance, error) {
	if decision != model.StatusConfirmed && decision != model.StatusRejected {
		return model.Attendance{}, fmt.Errorf("%w: got %q", ErrInvalidDecision, decision)
	}
	reason = strings.TrimSpace(reason)
	out, err := r.store.ReviewAttendance(ctx, id, decision, reviewerID, reason, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.Attendance{}, ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return out, fmt.Errorf("%w: status is %s", ErrInvalidTransition, out.Status)
	case err != nil:
		return model.Attendance{}, fmt.Errorf("review attendance: %w", err)
	}

	r.metrics.Reviewed(string(decision))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	meta := map[string]any{"status": decision, "user_id": out.UserID}
	if reason != "" {
		meta["reason"] = reason
	}
	r.audit.Publish(ctx, model.AuditEvent{
		ActorID:    reviewerID,
		Action:     audit.ActionReview,
		TargetType: "Attendance",
		TargetID:   out.ID,
		Meta:       meta,
		CreatedAt:  now,
	})
	return out, nil
}
