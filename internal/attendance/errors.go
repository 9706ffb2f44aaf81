package attendance

import (
	"errors"
	"fmt"

	"geoattend/internal/model"
)

// Reason is the machine-readable cause of a rejected scan.
type Reason string

const (
	ReasonInvalidOrExpiredQr  Reason = "INVALID_OR_EXPIRED_QR"
	ReasonAlreadyScanned      Reason = "ALREADY_SCANNED"
	ReasonSiteUnavailable     Reason = "SITE_UNAVAILABLE"
	ReasonOutOfRange          Reason = "OUT_OF_RANGE"
	ReasonNoScheduleFound     Reason = "NO_SCHEDULE_FOUND"
	ReasonWindowClosed        Reason = "WINDOW_CLOSED"
	ReasonTooEarly            Reason = "TOO_EARLY"
	ReasonAmbiguousSchedule   Reason = "AMBIGUOUS_SCHEDULE"
	ReasonDuplicateAttendance Reason = "DUPLICATE_ATTENDANCE"
	ReasonInvalidCoordinate   Reason = "INVALID_COORDINATE"
	ReasonInternal            Reason = "INTERNAL"
)

var (
	ErrNotFound          = errors.New("attendance not found")
	ErrInvalidTransition = errors.New("attendance already reviewed")
	ErrInvalidDecision   = errors.New("review decision must be CONFIRMED or REJECTED")
)

// Error is a scan rejection. Distance is set for OUT_OF_RANGE and Existing
// for ALREADY_SCANNED.
type Error struct {
	Reason   Reason
	Distance *float64
	Existing *model.Attendance
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by reason, so errors.Is(err, &Error{Reason: r}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// ReasonOf extracts the rejection reason, INTERNAL for anything else.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}

func reject(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}
