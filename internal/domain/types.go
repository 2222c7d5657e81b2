package domain

import (
	"fmt"
	"time"
)

// DefaultRegion is the region code used when an account does not name one.
const DefaultRegion = 1

// Account is the identity a check-in run acts on. ID doubles as the
// scheduler job name.
type Account struct {
	ID          string `json:"id" yaml:"id"`
	Secret      string `json:"-" yaml:"secret"`
	Region      int    `json:"region" yaml:"region"`
	Destination string `json:"destination" yaml:"destination"`
}

// WithDefaults fills zero-valued optional fields.
func (a Account) WithDefaults() Account {
	if a.Region == 0 {
		a.Region = DefaultRegion
	}
	return a
}

type JobKind string

const (
	JobDaily JobKind = "daily"
	JobOnce  JobKind = "once"
)

// TimeOfDay is a wall-clock trigger point in the scheduler's location.
type TimeOfDay struct {
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%06d", t.Hour, t.Minute, t.Second, t.Nanosecond/1000)
}

// Job is a scheduled unit of work bound to one Account snapshot.
type Job struct {
	ID        string
	Kind      JobKind
	Account   Account
	At        TimeOfDay // daily jobs
	RunAt     time.Time // one-shot jobs
	NextRun   time.Time
	CreatedAt time.Time
}
