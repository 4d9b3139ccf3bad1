package escrow

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle of an escrowed payment.
//
//	awaiting_payment --confirm(withStake)--> complete            (terminal)
//	awaiting_payment --confirm(!withStake)-> partially_refunded
//	awaiting_payment --refund--------------> partially_refunded
//	partially_refunded --refund balance----> refunded            (terminal)
type Status string

const (
	StatusAwaitingPayment   Status = "awaiting_payment"
	StatusComplete          Status = "complete"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
)

// Terminal reports whether the payment can never change again.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRefunded
}

// NoPayment is the reserved payment id carried by jobs that have no escrow yet.
const NoPayment int64 = 0

// Payment mirrors the payments table. Rows are append-only; only balance,
// status and updated_at ever change, and never after a terminal status.
type Payment struct {
	ID           int64
	ClientID     string
	FreelancerID string
	JobID        string
	Amount       int64
	Balance      int64
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var (
	// ErrNotFound is returned for an unknown payment id.
	ErrNotFound = errors.New("escrow: payment not found")
	// ErrBadStatus signals an operation against a payment in the wrong state.
	ErrBadStatus = errors.New("escrow: invalid payment status for operation")
	// ErrSameAddress rejects escrow between profiles sharing one wallet.
	ErrSameAddress = errors.New("escrow: client and freelancer share a wallet")
	// ErrInsufficientFunds signals the client cannot cover reward plus stake.
	ErrInsufficientFunds = errors.New("escrow: insufficient client balance")
	// ErrAmountTooLow rejects amounts that do not exceed the stake.
	ErrAmountTooLow = errors.New("escrow: amount must exceed the staked tokens")
	// ErrAlreadyGranted signals a second attempt to bind collaborators.
	ErrAlreadyGranted = errors.New("escrow: collaborator gateways already granted")
)

// Params are the deployment-time escrow constants. They are validated once at
// construction and immutable thereafter.
type Params struct {
	// StakedTokens is the stake the client locks on top of the job reward.
	StakedTokens int64
	// EachVoterReward is paid per rewarded voter from a forfeited stake.
	EachVoterReward int64
	// MaxWinners caps the reward fan-out. Business rule: the stake must be
	// exactly exhaustible, i.e. StakedTokens == EachVoterReward * MaxWinners.
	MaxWinners int
	// VaultAddress is the custody account holding escrowed value.
	VaultAddress string
}

// DefaultVaultAddress is used when Params.VaultAddress is left empty.
const DefaultVaultAddress = "0x0000000000000000000000000000657363726f77"

// Validate enforces the deploy-time business rules on the escrow constants.
func (p Params) Validate() error {
	if p.StakedTokens <= 0 {
		return fmt.Errorf("escrow: staked tokens must be positive, got %d", p.StakedTokens)
	}
	if p.EachVoterReward <= 0 {
		return fmt.Errorf("escrow: voter reward must be positive, got %d", p.EachVoterReward)
	}
	if p.MaxWinners <= 0 {
		return fmt.Errorf("escrow: max winners must be positive, got %d", p.MaxWinners)
	}
	if p.StakedTokens != p.EachVoterReward*int64(p.MaxWinners) {
		return fmt.Errorf("escrow: max winners %d does not exhaust stake %d at %d per voter",
			p.MaxWinners, p.StakedTokens, p.EachVoterReward)
	}
	return nil
}
