package dispute

import (
	"errors"
	"time"
)

// Status represents the lifecycle of a dispute record. Both resolved states
// are terminal; there is no path back to pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Choice is a reviewer's ballot. Absence of a ballot row means the reviewer
// never voted; there is no recorded abstention.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
)

// Dispute mirrors the disputes table. Tallies are maintained alongside the
// ballot rows so resolution never recounts.
type Dispute struct {
	ID           string
	JobID        string
	PaymentID    int64
	Status       Status
	ApproveVotes int
	RejectVotes  int
	EndTime      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   *time.Time
}

// Ballot is one reviewer's recorded vote. CastSeq preserves cast order so the
// winner sampling pass sees a stable list.
type Ballot struct {
	DisputeID  string
	ReviewerID string
	Choice     Choice
	CastSeq    int64
	CreatedAt  time.Time
}

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrAlreadyDisputed = errors.New("dispute: job already disputed")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrAlreadyVoted    = errors.New("dispute: reviewer already voted")
	ErrNotReviewer     = errors.New("dispute: voter lacks the reviewer role")
	ErrSelfDealing     = errors.New("dispute: reviewer shares a wallet with a party")
	ErrForbidden       = errors.New("dispute: actor may not perform this operation")
)
