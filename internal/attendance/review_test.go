package attendance

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/audit"
	"geoattend/internal/model"
)

func pendingRecord(t *testing.T, f *fixture, user string) model.Attendance {
	t.Helper()
	tok := f.token(t, model.ModeDaily, monday(8, 0))
	out, err := f.scan(user, tok.Token, 5, monday(8, 2))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, out.Attendance.Status)
	return out.Attendance
}

func TestReviewConfirmsPending(t *testing.T) {
	f := newFixture(t, false)
	rec := pendingRecord(t, f, "u1")
	reviewer := NewReviewer(f.mem, audit.NewPublisher(f.queue), f.metrics)

	got, err := reviewer.Review(context.Background(), rec.ID, model.StatusConfirmed, "admin-1", "  ", monday(9, 0))
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, "admin-1", *got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(monday(9, 0)))
	assert.Nil(t, got.RejectionReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reviews.WithLabelValues("CONFIRMED")))
}

func TestReviewRejectsOnlyOnce(t *testing.T) {
	f := newFixture(t, false)
	rec := pendingRecord(t, f, "u1")
	reviewer := NewReviewer(f.mem, audit.NewPublisher(f.queue), f.metrics)
	ctx := context.Background()

	got, err := reviewer.Review(ctx, rec.ID, model.StatusRejected, "admin-1", "outside class", monday(9, 0))
	require.NoError(t, err)
	require.NotNil(t, got.RejectionReason)
	assert.Equal(t, "outside class", *got.RejectionReason)

	again, err := reviewer.Review(ctx, rec.ID, model.StatusConfirmed, "admin-2", "", monday(9, 5))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.StatusRejected, again.Status)

	stored, err := f.mem.GetAttendance(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", *stored.ReviewedBy)
}

func TestReviewInvalidInput(t *testing.T) {
	f := newFixture(t, false)
	reviewer := NewReviewer(f.mem, nil, nil)
	ctx := context.Background()

	_, err := reviewer.Review(ctx, "x", model.StatusPending, "admin", "", monday(9, 0))
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = reviewer.Review(ctx, "missing", model.StatusConfirmed, "admin", "", monday(9, 0))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReviewPublishesAudit(t *testing.T) {
	f := newFixture(t, false)
	rec := pendingRecord(t, f, "u2")
	// drop the scan event
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := f.queue.Consume(ctx)
	require.NoError(t, err)
	<-msgs

	reviewer := NewReviewer(f.mem, audit.NewPublisher(f.queue), f.metrics)
	_, err = reviewer.Review(context.Background(), rec.ID, model.StatusRejected, "admin-1", "no uniform", monday(9, 0))
	require.NoError(t, err)

	msg := <-msgs
	var evt model.AuditEvent
	require.NoError(t, json.Unmarshal(msg.Body, &evt))
	assert.Equal(t, audit.ActionReview, evt.Action)
	assert.Equal(t, rec.ID, evt.TargetID)
	assert.Equal(t, "no uniform", evt.Meta["reason"])
	assert.Equal(t, "u2", evt.Meta["user_id"])
}
