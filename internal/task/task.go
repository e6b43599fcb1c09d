package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Statuses lists every valid status in the order a task moves through them.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusSuccess, StatusFailed}
}

// rank orders statuses along the only allowed direction of travel.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.rank() >= 0 }

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// InFlight reports whether a task in this status may still be picked up or is being worked on.
func (s Status) InFlight() bool { return s == StatusPending || s == StatusProcessing }

// CanTransition reports whether next may follow s. Rewriting the current
// status is allowed so that retried writes stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return next.rank() > s.rank() && !s.Terminal()
}

// Family identifies one of the independent processing pipelines.
type Family string

const (
	FamilyBase      Family = "base"
	FamilyScore     Family = "score"
	FamilyCatalogue Family = "catalogue"
)

func Families() []Family {
	return []Family{FamilyBase, FamilyScore, FamilyCatalogue}
}

func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FamilyBase, FamilyScore, FamilyCatalogue:
		return f, nil
	}
	return "", fmt.Errorf("unknown task family: %q", s)
}

// KeyPrefix is the Redis namespace of the family. The values match the
// keys already present in deployed stores.
func (f Family) KeyPrefix() string {
	switch f {
	case FamilyScore:
		return "score_task"
	case FamilyCatalogue:
		return "catalogue_task"
	default:
		return "task"
	}
}

// Record is the queue item handed from the submission side to a consumer.
type Record struct {
	ID          string    `json:"task_id"`
	Bid         string    `json:"bid"`
	FilePath    string    `json:"file_path"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func NewRecord(bid string) *Record {
	return &Record{
		ID:          uuid.New().String(),
		Bid:         bid,
		SubmittedAt: time.Now(),
	}
}
