// Package status derives the effective status of a task from its stored
// status and due date.
//
// Overdue is never chosen by a user in steady state: any task that is not
// completed and whose due date has passed is overdue, both when it is read
// and when it is written.
package status

import "time"

type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in-progress"
	Completed  Status = "completed"
	Overdue    Status = "overdue"
)

// All lists statuses in board order.
var All = []Status{Pending, InProgress, Completed, Overdue}

func (s Status) Valid() bool {
	switch s {
	case Pending, InProgress, Completed, Overdue:
		return true
	}
	return false
}

func Parse(v string) (Status, bool) {
	s := Status(v)
	return s, s.Valid()
}

// Derive returns the effective status. Completion wins over lateness, and
// a stored overdue on a task that is no longer late reads as pending.
func Derive(stored Status, due, now time.Time) Status {
	if stored == Completed {
		return Completed
	}
	if IsLate(stored, due, now) {
		return Overdue
	}
	if stored == Overdue {
		return Pending
	}
	return stored
}

// IsLate reports whether the task is past due and not completed.
func IsLate(stored Status, due, now time.Time) bool {
	return stored != Completed && due.Before(now)
}

// ApplyOnSave is the single-row variant run right before a task is
// persisted. It differs from Derive only in that an unset status is stored
// as pending.
func ApplyOnSave(stored Status, due, now time.Time) Status {
	if stored == "" {
		stored = Pending
	}
	return Derive(stored, due, now)
}

// Toggle flips a task between completed and pending.
func Toggle(current Status) Status {
	if current == Completed {
		return Pending
	}
	return Completed
}
