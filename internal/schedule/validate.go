package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"geoattend/internal/model"
)

var (
	// ErrInvalidSchedule wraps every schedule record validation failure.
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidSite     = errors.New("invalid site")
)

var validate = validator.New()

// Validate checks the record invariants of a schedule before it is stored.
func Validate(s model.Schedule) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if s.Active && len(s.DaysOfWeek) == 0 {
		return fmt.Errorf("%w: active schedule needs at least one weekday", ErrInvalidSchedule)
	}
	start, end, err := Window(s)
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidSchedule, s.StartTime, s.EndTime)
	}
	return nil
}

// ValidateSite checks a site record before it is stored.
func ValidateSite(s model.Site) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSite, err)
	}
	return nil
}

// Window returns the schedule start and end as minutes since midnight.
func Window(s model.Schedule) (int, int, error) {
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return 0, 0, err
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(hhmm string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return 0, fmt.Errorf("%w: bad time %q", ErrInvalidSchedule, hhmm)
	}
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidSchedule, hhmm)
	}
	mins, err := strconv.Atoi(m)
	if err != nil || mins < 0 || mins > 59 {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidSchedule, hhmm)
	}
	return hours*60 + mins, nil
}
