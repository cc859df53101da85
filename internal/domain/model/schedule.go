package model

import (
	"encoding/json"
	"time"
)

// Schedule is a recurring trigger that materializes into pending executions.
type Schedule struct {
	ID              string
	Name            string
	Plugin          string
	Operation       string
	Params          json.RawMessage
	IntervalSeconds int
	OwnerID         string
	Enabled         bool
	// NextRunAt is nil when the trigger has never been scheduled; it is then
	// due immediately.
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interval returns the trigger period.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Due reports whether the trigger should fire at now.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && (s.NextRunAt == nil || !s.NextRunAt.After(now))
}

// Advance returns the next run time anchored on the previous trigger time:
// prev + k*interval for the smallest k >= 1 that lands after now.
func (s Schedule) Advance(now time.Time) time.Time {
	interval := s.Interval()
	if s.NextRunAt == nil {
		return now.Add(interval)
	}
	next := s.NextRunAt.Add(interval)
	if interval <= 0 || next.After(now) {
		return next
	}
	missed := now.Sub(next)/interval + 1
	return next.Add(missed * interval)
}
