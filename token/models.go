package token

import "time"

// Account mirrors the token_accounts table.
type Account struct {
	Address   string
	Balance   int64
	UpdatedAt time.Time
}

// Transfer kinds journaled alongside every balance movement. The payment_id
// linkage lets auditors reconstruct the value flow of an escrowed payment.
const (
	KindMint             = "mint"
	KindTransfer         = "transfer"
	KindEscrowFund       = "escrow_fund"
	KindFreelancerPayout = "freelancer_payout"
	KindStakeRefund      = "stake_refund"
	KindRewardRefund     = "reward_refund"
	KindVoterReward      = "voter_reward"
	KindBalanceRefund    = "balance_refund"
)

// TransferRecord mirrors the token_transfers journal.
type TransferRecord struct {
	ID          int64
	FromAddress string
	ToAddress   string
	Amount      int64
	Kind        string
	PaymentID   *int64
	CreatedAt   time.Time
}
