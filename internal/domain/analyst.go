package domain

import "time"

// Role tags the kind of actor performing an operation.
type Role string

// Actor roles.
const (
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

// IsValid checks if the role is valid.
func (r Role) IsValid() bool {
	return r == RoleAnalyst || r == RoleAdmin
}

// Actor identifies who invoked an operation.
type Actor struct {
	ID   string
	Role Role
}

// Analyst represents a SOC analyst who can be assigned tickets.
// CurrentWorkload is derived from ticket assignments, never set directly.
type Analyst struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	CurrentShiftID  *string   `json:"current_shift_id,omitempty"`
	MaxCapacity     int       `json:"max_capacity"`
	CurrentWorkload int       `json:"current_workload"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasCapacity returns true if the analyst can take one more ticket.
func (a *Analyst) HasCapacity() bool {
	return a.CurrentWorkload < a.MaxCapacity
}

// Shift is a recurring time-of-day window on a given weekday.
type Shift struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Weekday   time.Weekday `json:"weekday"`
	StartTime string       `json:"start_time"` // "15:04"
	EndTime   string       `json:"end_time"`   // "15:04"
}

// Covers reports whether now falls inside the shift window. The weekday must
// match and the time of day must be within [start, end]. Windows where end
// precedes start wrap past midnight.
func (s *Shift) Covers(now time.Time) bool {
	if now.Weekday() != s.Weekday {
		return false
	}
	start, err := time.Parse("15:04", s.StartTime)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", s.EndTime)
	if err != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minutes >= startMin && minutes <= endMin
	}
	return minutes >= startMin || minutes <= endMin
}
