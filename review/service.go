package review

import (
	"context"

	"github.com/ryo-wijaya/sprout/job"
)

// Listings is the read-only slice of the job service reviews depend on.
type Listings interface {
	Get(ctx context.Context, jobID string) (job.Job, error)
}

// Service enforces the review rules: only the two parties of a settled job
// may review, each exactly once, always about the counterparty.
type Service struct {
	repo Repository
	jobs Listings
}

func NewService(repo Repository, jobs Listings) *Service {
	return &Service{repo: repo, jobs: jobs}
}

// SubmitParams identifies the job and author of a new review.
type SubmitParams struct {
	JobID    string
	AuthorID string
	Rating   int
	Comment  string
}

func (s *Service) Submit(ctx context.Context, params SubmitParams) (Review, error) {
	if params.Rating < 1 || params.Rating > 5 {
		return Review{}, ErrInvalidRating
	}

	j, err := s.jobs.Get(ctx, params.JobID)
	if err != nil {
		return Review{}, err
	}
	if !settled(j.Status) {
		return Review{}, ErrJobNotSettled
	}

	var subjectID string
	switch params.AuthorID {
	case j.ClientID:
		subjectID = j.FreelancerID
	case j.FreelancerID:
		subjectID = j.ClientID
	default:
		return Review{}, ErrNotParticipant
	}

	return s.repo.Create(ctx, CreateParams{
		JobID:     params.JobID,
		AuthorID:  params.AuthorID,
		SubjectID: subjectID,
		Rating:    params.Rating,
		Comment:   params.Comment,
	})
}

func (s *Service) ListForSubject(ctx context.Context, subjectID string) ([]Review, error) {
	return s.repo.ListForSubject(ctx, subjectID)
}

func (s *Service) ListForJob(ctx context.Context, jobID string) ([]Review, error) {
	return s.repo.ListForJob(ctx, jobID)
}

// settled reports whether the job reached an outcome both parties can judge:
// accepted delivery or a closed dispute.
func settled(status job.Status) bool {
	return status == job.StatusAccepted || status == job.StatusClosed
}
