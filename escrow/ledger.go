package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryo-wijaya/sprout/token"
)

// TokenLedger is the balance substrate consumed by the escrow ledger.
// Satisfied by *token.Ledger.
type TokenLedger interface {
	BalanceOfTx(ctx context.Context, tx pgx.Tx, address string) (int64, error)
	TransferTx(ctx context.Context, tx pgx.Tx, params token.TransferParams) error
}

// Directory resolves user identities. Satisfied by *auth.Service.
type Directory interface {
	ResolveAddress(ctx context.Context, userID string) (string, error)
	SameAddress(ctx context.Context, id1, id2 string) (bool, error)
}

// Ledger owns all payment mutation. Value-moving entry points are not public:
// they are reachable only through the ListingGateway and ArbiterGateway
// capability handles issued exactly once by Grant, so only the job listing
// service and the dispute engine can move escrowed value.
type Ledger struct {
	pool      *pgxpool.Pool
	tokens    TokenLedger
	directory Directory
	params    Params

	grantMu sync.Mutex
	granted bool
}

// NewLedger validates the escrow constants and wires the ledger.
func NewLedger(pool *pgxpool.Pool, tokens TokenLedger, directory Directory, params Params) (*Ledger, error) {
	if params.VaultAddress == "" {
		params.VaultAddress = DefaultVaultAddress
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		pool:      pool,
		tokens:    tokens,
		directory: directory,
		params:    params,
	}, nil
}

// Params returns the immutable escrow constants.
func (l *Ledger) Params() Params { return l.params }

// Grant issues the two collaborator gateways. It succeeds exactly once;
// subsequent calls fail so no further component can acquire mutation rights.
func (l *Ledger) Grant() (*ListingGateway, *ArbiterGateway, error) {
	l.grantMu.Lock()
	defer l.grantMu.Unlock()
	if l.granted {
		return nil, nil, ErrAlreadyGranted
	}
	l.granted = true
	return &ListingGateway{l: l}, &ArbiterGateway{l: l}, nil
}

// ListingGateway is the capability handle held by the job listing service.
type ListingGateway struct {
	l *Ledger
}

// ArbiterGateway is the capability handle held by the dispute engine.
type ArbiterGateway struct {
	l *Ledger
}

// InitiateParams enumerates the inputs for opening an escrow.
type InitiateParams struct {
	ClientID     string
	FreelancerID string
	JobID        string
	// Amount is the total placed in custody: job reward plus stake.
	Amount int64
}

// InitiateTx debits the client and opens a new payment inside the caller's
// transaction. Returns the new 1-based payment id.
func (g *ListingGateway) InitiateTx(ctx context.Context, tx pgx.Tx, params InitiateParams) (int64, error) {
	return g.l.initiate(ctx, tx, params)
}

// ConfirmDeliveryTx settles the payment in the freelancer's favour. See
// Ledger for the withStake semantics.
func (g *ListingGateway) ConfirmDeliveryTx(ctx context.Context, tx pgx.Tx, paymentID int64, withStake bool) error {
	return g.l.confirmDelivery(ctx, tx, paymentID, withStake)
}

// ConfirmDeliveryTx settles the payment in the freelancer's favour with the
// stake retained for voter distribution (the dispute-rejected outcome).
func (g *ArbiterGateway) ConfirmDeliveryTx(ctx context.Context, tx pgx.Tx, paymentID int64, withStake bool) error {
	return g.l.confirmDelivery(ctx, tx, paymentID, withStake)
}

// RefundPaymentTx returns the reward to the client while retaining the stake
// (the dispute-approved outcome).
func (g *ArbiterGateway) RefundPaymentTx(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	return g.l.refundPayment(ctx, tx, paymentID)
}

// RewardVoterTx pays one voter reward out of the retained stake.
func (g *ArbiterGateway) RewardVoterTx(ctx context.Context, tx pgx.Tx, paymentID int64, voterAddress string) error {
	return g.l.rewardVoter(ctx, tx, paymentID, voterAddress)
}

// RefundBalanceTx returns whatever stake remains to the client and closes the
// payment.
func (g *ArbiterGateway) RefundBalanceTx(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	return g.l.refundBalance(ctx, tx, paymentID)
}

func (l *Ledger) initiate(ctx context.Context, tx pgx.Tx, params InitiateParams) (int64, error) {
	if params.ClientID == "" || params.FreelancerID == "" || params.JobID == "" {
		return NoPayment, fmt.Errorf("escrow: initiate missing identifiers")
	}
	if params.Amount <= l.params.StakedTokens {
		return NoPayment, ErrAmountTooLow
	}

	same, err := l.directory.SameAddress(ctx, params.ClientID, params.FreelancerID)
	if err != nil {
		return NoPayment, fmt.Errorf("escrow: compare addresses: %w", err)
	}
	if same {
		return NoPayment, ErrSameAddress
	}

	clientAddr, err := l.directory.ResolveAddress(ctx, params.ClientID)
	if err != nil {
		return NoPayment, fmt.Errorf("escrow: resolve client address: %w", err)
	}

	balance, err := l.tokens.BalanceOfTx(ctx, tx, clientAddr)
	if err != nil {
		return NoPayment, err
	}
	if balance < params.Amount {
		return NoPayment, ErrInsufficientFunds
	}

	const insertSQL = `
		INSERT INTO payments (client_id, freelancer_id, job_id, amount, balance)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`
	var paymentID int64
	if err := tx.QueryRow(ctx, insertSQL,
		params.ClientID, params.FreelancerID, params.JobID, params.Amount,
	).Scan(&paymentID); err != nil {
		return NoPayment, fmt.Errorf("escrow: insert payment: %w", err)
	}

	if err := l.tokens.TransferTx(ctx, tx, token.TransferParams{
		From:      clientAddr,
		To:        l.params.VaultAddress,
		Amount:    params.Amount,
		Kind:      token.KindEscrowFund,
		PaymentID: &paymentID,
	}); err != nil {
		if errors.Is(err, token.ErrInsufficientFunds) {
			return NoPayment, ErrInsufficientFunds
		}
		return NoPayment, err
	}

	payload := map[string]any{
		"payment_id": paymentID,
		"amount":     params.Amount,
		"stake":      l.params.StakedTokens,
	}
	if err := insertTimelineEvent(ctx, tx, params.JobID, "PAYMENT_INITIATED", params.ClientID, payload); err != nil {
		return NoPayment, err
	}
	if err := enqueueOutbox(ctx, tx, "payment.initiated", map[string]any{
		"payment_id": paymentID,
		"job_id":     params.JobID,
		"amount":     params.Amount,
	}); err != nil {
		return NoPayment, err
	}

	return paymentID, nil
}

// confirmDelivery always pays the freelancer the reward net of stake. With
// withStake set (no dispute) the stake goes straight back to the client and
// the payment completes; otherwise the stake stays in custody for voter
// distribution and the payment moves to partially_refunded.
func (l *Ledger) confirmDelivery(ctx context.Context, tx pgx.Tx, paymentID int64, withStake bool) error {
	p, err := getPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != StatusAwaitingPayment {
		return ErrBadStatus
	}

	freelancerAddr, err := l.directory.ResolveAddress(ctx, p.FreelancerID)
	if err != nil {
		return fmt.Errorf("escrow: resolve freelancer address: %w", err)
	}

	payout := p.Amount - l.params.StakedTokens
	if err := l.tokens.TransferTx(ctx, tx, token.TransferParams{
		From:      l.params.VaultAddress,
		To:        freelancerAddr,
		Amount:    payout,
		Kind:      token.KindFreelancerPayout,
		PaymentID: &p.ID,
	}); err != nil {
		return err
	}

	newBalance := l.params.StakedTokens
	newStatus := StatusPartiallyRefunded
	topic := "payment.partially_refunded"

	if withStake {
		clientAddr, err := l.directory.ResolveAddress(ctx, p.ClientID)
		if err != nil {
			return fmt.Errorf("escrow: resolve client address: %w", err)
		}
		if err := l.tokens.TransferTx(ctx, tx, token.TransferParams{
			From:      l.params.VaultAddress,
			To:        clientAddr,
			Amount:    l.params.StakedTokens,
			Kind:      token.KindStakeRefund,
			PaymentID: &p.ID,
		}); err != nil {
			return err
		}
		newBalance = 0
		newStatus = StatusComplete
		topic = "payment.complete"
	}

	if err := updatePayment(ctx, tx, p.ID, newBalance, newStatus); err != nil {
		return err
	}

	payload := map[string]any{
		"payment_id": p.ID,
		"payout":     payout,
		"with_stake": withStake,
	}
	if err := insertTimelineEvent(ctx, tx, p.JobID, "DELIVERY_CONFIRMED", p.FreelancerID, payload); err != nil {
		return err
	}
	return enqueueOutbox(ctx, tx, topic, map[string]any{
		"payment_id": p.ID,
		"job_id":     p.JobID,
	})
}

// refundPayment returns the reward to the client while the stake stays in
// custody. The stake forfeit is the economic deterrent against frivolous
// disputes: even the winning client does not get it back directly.
func (l *Ledger) refundPayment(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	p, err := getPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != StatusAwaitingPayment {
		return ErrBadStatus
	}

	clientAddr, err := l.directory.ResolveAddress(ctx, p.ClientID)
	if err != nil {
		return fmt.Errorf("escrow: resolve client address: %w", err)
	}

	refund := p.Amount - l.params.StakedTokens
	if err := l.tokens.TransferTx(ctx, tx, token.TransferParams{
		From:      l.params.VaultAddress,
		To:        clientAddr,
		Amount:    refund,
		Kind:      token.KindRewardRefund,
		PaymentID: &p.ID,
	}); err != nil {
		return err
	}

	if err := updatePayment(ctx, tx, p.ID, l.params.StakedTokens, StatusPartiallyRefunded); err != nil {
		return err
	}

	payload := map[string]any{
		"payment_id": p.ID,
		"refund":     refund,
	}
	if err := insertTimelineEvent(ctx, tx, p.JobID, "PAYMENT_REFUNDED", p.ClientID, payload); err != nil {
		return err
	}
	return enqueueOutbox(ctx, tx, "payment.partially_refunded", map[string]any{
		"payment_id": p.ID,
		"job_id":     p.JobID,
	})
}

// rewardVoter pays one voter reward out of the retained stake. When the
// remaining balance cannot cover a full reward the call is a silent no-op
// rather than an error; the dispute engine's bounded winner set keeps that
// branch unreachable, and the behaviour matches the deployed system.
func (l *Ledger) rewardVoter(ctx context.Context, tx pgx.Tx, paymentID int64, voterAddress string) error {
	p, err := getPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != StatusPartiallyRefunded {
		return ErrBadStatus
	}
	if p.Balance < l.params.EachVoterReward {
		return nil
	}

	if err := l.tokens.TransferTx(ctx, tx, token.TransferParams{
		From:      l.params.VaultAddress,
		To:        voterAddress,
		Amount:    l.params.EachVoterReward,
		Kind:      token.KindVoterReward,
		PaymentID: &p.ID,
	}); err != nil {
		return err
	}

	if err := updatePayment(ctx, tx, p.ID, p.Balance-l.params.EachVoterReward, StatusPartiallyRefunded); err != nil {
		return err
	}

	payload := map[string]any{
		"payment_id": p.ID,
		"voter":      voterAddress,
		"reward":     l.params.EachVoterReward,
	}
	if err := insertTimelineEvent(ctx, tx, p.JobID, "VOTER_REWARDED", "", payload); err != nil {
		return err
	}
	return enqueueOutbox(ctx, tx, "payment.voter_reward", map[string]any{
		"payment_id": p.ID,
		"voter":      voterAddress,
	})
}

// refundBalance returns any remaining stake to the client and closes the
// payment. Runs after voter distribution whether or not value remains; a zero
// balance just skips the transfer and flips the status.
func (l *Ledger) refundBalance(ctx context.Context, tx pgx.Tx, paymentID int64) error {
	p, err := getPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != StatusPartiallyRefunded {
		return ErrBadStatus
	}

	if p.Balance > 0 {
		clientAddr, err := l.directory.ResolveAddress(ctx, p.ClientID)
		if err != nil {
			return fmt.Errorf("escrow: resolve client address: %w", err)
		}
		if err := l.tokens.TransferTx(ctx, tx, token.TransferParams{
			From:      l.params.VaultAddress,
			To:        clientAddr,
			Amount:    p.Balance,
			Kind:      token.KindBalanceRefund,
			PaymentID: &p.ID,
		}); err != nil {
			return err
		}
	}

	if err := updatePayment(ctx, tx, p.ID, 0, StatusRefunded); err != nil {
		return err
	}

	payload := map[string]any{
		"payment_id": p.ID,
		"remainder":  p.Balance,
	}
	if err := insertTimelineEvent(ctx, tx, p.JobID, "BALANCE_REFUNDED", p.ClientID, payload); err != nil {
		return err
	}
	return enqueueOutbox(ctx, tx, "payment.refunded", map[string]any{
		"payment_id": p.ID,
		"job_id":     p.JobID,
	})
}

func getPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID int64) (Payment, error) {
	const query = `
		SELECT id, client_id, freelancer_id, job_id, amount, balance, status, created_at, updated_at
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`
	var p Payment
	err := tx.QueryRow(ctx, query, paymentID).Scan(
		&p.ID, &p.ClientID, &p.FreelancerID, &p.JobID,
		&p.Amount, &p.Balance, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("escrow: lock payment %d: %w", paymentID, err)
	}
	return p, nil
}

func updatePayment(ctx context.Context, tx pgx.Tx, paymentID, balance int64, status Status) error {
	if _, err := tx.Exec(ctx, `
		UPDATE payments SET balance = $2, status = $3, updated_at = now() WHERE id = $1
	`, paymentID, balance, status); err != nil {
		return fmt.Errorf("escrow: update payment %d: %w", paymentID, err)
	}
	return nil
}
