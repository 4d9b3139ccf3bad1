package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetPayment returns the payment record for the given id.
func (l *Ledger) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	const query = `
		SELECT id, client_id, freelancer_id, job_id, amount, balance, status, created_at, updated_at
		FROM payments
		WHERE id = $1
	`
	var p Payment
	err := l.pool.QueryRow(ctx, query, paymentID).Scan(
		&p.ID, &p.ClientID, &p.FreelancerID, &p.JobID,
		&p.Amount, &p.Balance, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("escrow: get payment %d: %w", paymentID, err)
	}
	return p, nil
}

// ClientID returns the client behind a payment.
func (l *Ledger) ClientID(ctx context.Context, paymentID int64) (string, error) {
	p, err := l.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	return p.ClientID, nil
}

// FreelancerID returns the freelancer behind a payment.
func (l *Ledger) FreelancerID(ctx context.Context, paymentID int64) (string, error) {
	p, err := l.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	return p.FreelancerID, nil
}

// JobID returns the job a payment escrows.
func (l *Ledger) JobID(ctx context.Context, paymentID int64) (string, error) {
	p, err := l.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	return p.JobID, nil
}

// Balance returns the undistributed value still held for a payment.
func (l *Ledger) Balance(ctx context.Context, paymentID int64) (int64, error) {
	p, err := l.GetPayment(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// CurrentStatus returns the payment's lifecycle status.
func (l *Ledger) CurrentStatus(ctx context.Context, paymentID int64) (Status, error) {
	p, err := l.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}
