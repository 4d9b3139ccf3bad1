package review

import (
	"errors"
	"time"
)

// Review is post-settlement feedback between the two parties of a job. One
// per (job, author); the subject is always the counterparty.
type Review struct {
	ID        string
	JobID     string
	AuthorID  string
	SubjectID string
	Rating    int
	Comment   string
	CreatedAt time.Time
}

var (
	ErrNotFound        = errors.New("review: not found")
	ErrAlreadyReviewed = errors.New("review: author already reviewed this job")
	ErrNotParticipant  = errors.New("review: author is not a party to the job")
	ErrJobNotSettled   = errors.New("review: job has not reached a settled state")
	ErrInvalidRating   = errors.New("review: rating must be between 1 and 5")
)
