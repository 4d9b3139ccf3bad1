package job

import (
	"errors"
	"time"
)

// Status is the listing lifecycle. A job only reaches assigned once escrow is
// funded, and only reaches disputed from completed.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusAccepted  Status = "accepted"
	StatusDisputed  Status = "disputed"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Job represents a listing. PaymentID is 0 until a freelancer is accepted and
// the escrow opens.
type Job struct {
	ID           string
	ClientID     string
	FreelancerID string
	Title        string
	Description  string
	Reward       int64
	Status       Status
	PaymentID    int64
	IsDisputed   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ApplicationState string

const (
	ApplicationPending  ApplicationState = "pending"
	ApplicationAccepted ApplicationState = "accepted"
	ApplicationRejected ApplicationState = "rejected"
)

// Application is a freelancer's offer to take a job. One per (job, freelancer).
type Application struct {
	ID           string
	JobID        string
	FreelancerID string
	Note         string
	State        ApplicationState
	CreatedAt    time.Time
}

var (
	ErrNotFound            = errors.New("job: not found")
	ErrApplicationNotFound = errors.New("job: application not found")
	ErrForbidden           = errors.New("job: actor may not perform this operation")
	ErrInvalidStatus       = errors.New("job: invalid status for operation")
	ErrAlreadyApplied      = errors.New("job: freelancer already applied")
	ErrOwnJob              = errors.New("job: client cannot apply to own job")
	ErrInvalidReward       = errors.New("job: reward must be positive")
)
