package models

import (
	"fmt"
	"time"
)

type CheckinStatus string

const (
	CheckinNotDue    CheckinStatus = "not_due"
	CheckinDue       CheckinStatus = "due"
	CheckinTriggered CheckinStatus = "triggered"
	CheckinCompleted CheckinStatus = "completed"
	CheckinFailed    CheckinStatus = "failed"
)

// CheckinRun records one check-in attempt for a recipient within a period.
// At most one run exists per (recipient, period); the insert is the
// idempotency check.
type CheckinRun struct {
	RecipientID int64         `json:"recipient_id"`
	PeriodKey   string        `json:"period_key"`
	Status      CheckinStatus `json:"status"`
	TriggeredAt time.Time     `json:"triggered_at"`
	ReportRef   string        `json:"report_ref,omitempty"`
	// Retried marks a run recreated by a manual retry of a failed run.
	// A failed run gets exactly one such retry.
	Retried bool `json:"retried,omitempty"`
}

// PeriodKey returns the ISO-week key for t, e.g. "2026-W35".
func PeriodKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
