package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals a debit larger than the account balance.
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	// ErrInsufficientAllowance signals a transferFrom beyond the approved amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrInvalidAmount signals a zero or negative amount.
	ErrInvalidAmount = errors.New("token: amount must be positive")
)

// Ledger provides balance and allowance primitives over token_accounts.
// Mutations come in two flavours: pool-level methods that run in their own
// transaction, and Tx-scoped methods that participate in a caller's
// transaction so a debit commits or rolls back together with the business
// state it funds.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger wires a pgxpool-backed token ledger.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// BalanceOf returns the current balance for the address, zero if the account
// has never been touched.
func (l *Ledger) BalanceOf(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM token_accounts WHERE address = $1`, address).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("token: balance of %s: %w", address, err)
	}
	return balance, nil
}

// BalanceOfTx reads a balance inside the caller's transaction, locking the
// account row so concurrent debits serialize.
func (l *Ledger) BalanceOfTx(ctx context.Context, tx pgx.Tx, address string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM token_accounts WHERE address = $1 FOR UPDATE`, address).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("token: balance of %s: %w", address, err)
	}
	return balance, nil
}

// Mint credits freshly issued tokens to an address. Used by deployment
// seeding and tests; there is no burn.
func (l *Ledger) Mint(ctx context.Context, address string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin mint tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := credit(ctx, tx, address, amount); err != nil {
		return err
	}
	if err := journal(ctx, tx, "", address, amount, KindMint, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit mint: %w", err)
	}
	return nil
}

// Transfer moves tokens between two addresses in its own transaction.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin transfer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.TransferTx(ctx, tx, TransferParams{From: from, To: to, Amount: amount, Kind: KindTransfer}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit transfer: %w", err)
	}
	return nil
}

// TransferParams enumerates a single journaled balance movement.
type TransferParams struct {
	From      string
	To        string
	Amount    int64
	Kind      string
	PaymentID *int64
}

// TransferTx moves tokens inside the caller's transaction. The debit locks
// the source account row; a shortfall aborts with ErrInsufficientFunds and
// the caller's whole transaction rolls back.
func (l *Ledger) TransferTx(ctx context.Context, tx pgx.Tx, params TransferParams) error {
	if params.Amount <= 0 {
		return ErrInvalidAmount
	}
	if params.From == params.To {
		return fmt.Errorf("token: self transfer for %s", params.From)
	}
	if err := debit(ctx, tx, params.From, params.Amount); err != nil {
		return err
	}
	if err := credit(ctx, tx, params.To, params.Amount); err != nil {
		return err
	}
	kind := params.Kind
	if kind == "" {
		kind = KindTransfer
	}
	return journal(ctx, tx, params.From, params.To, params.Amount, kind, params.PaymentID)
}

// Approve grants spender the right to move up to amount tokens on behalf of
// owner. Re-approval overwrites the previous allowance.
func (l *Ledger) Approve(ctx context.Context, owner, spender string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO token_allowances (owner_address, spender_address, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_address, spender_address)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = now()
	`, owner, spender, amount)
	if err != nil {
		return fmt.Errorf("token: approve: %w", err)
	}
	return nil
}

// Allowance returns the remaining amount spender may move on behalf of owner.
func (l *Ledger) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	var amount int64
	err := l.pool.QueryRow(ctx, `
		SELECT amount FROM token_allowances WHERE owner_address = $1 AND spender_address = $2
	`, owner, spender).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("token: allowance: %w", err)
	}
	return amount, nil
}

// TransferFrom moves tokens from owner to recipient on behalf of spender,
// consuming allowance. The allowance row is locked first so concurrent spends
// cannot exceed the approved amount.
func (l *Ledger) TransferFrom(ctx context.Context, spender, owner, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin transfer-from tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var allowance int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM token_allowances
		WHERE owner_address = $1 AND spender_address = $2
		FOR UPDATE
	`, owner, spender).Scan(&allowance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientAllowance
		}
		return fmt.Errorf("token: lock allowance: %w", err)
	}
	if allowance < amount {
		return ErrInsufficientAllowance
	}

	if _, err := tx.Exec(ctx, `
		UPDATE token_allowances SET amount = amount - $3, updated_at = now()
		WHERE owner_address = $1 AND spender_address = $2
	`, owner, spender, amount); err != nil {
		return fmt.Errorf("token: consume allowance: %w", err)
	}

	if err := l.TransferTx(ctx, tx, TransferParams{From: owner, To: to, Amount: amount, Kind: KindTransfer}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit transfer-from: %w", err)
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, address string, amount int64) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_accounts (address, balance)
		VALUES ($1, $2)
		ON CONFLICT (address)
		DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance, updated_at = now()
	`, address, amount); err != nil {
		return fmt.Errorf("token: credit %s: %w", address, err)
	}
	return nil
}

func debit(ctx context.Context, tx pgx.Tx, address string, amount int64) error {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM token_accounts WHERE address = $1 FOR UPDATE`, address).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("token: lock account %s: %w", address, err)
	}
	if balance < amount {
		return ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx, `
		UPDATE token_accounts SET balance = balance - $2, updated_at = now() WHERE address = $1
	`, address, amount); err != nil {
		return fmt.Errorf("token: debit %s: %w", address, err)
	}
	return nil
}

func journal(ctx context.Context, tx pgx.Tx, from, to string, amount int64, kind string, paymentID *int64) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_transfers (from_address, to_address, amount, kind, payment_id)
		VALUES ($1, $2, $3, $4, $5)
	`, from, to, amount, kind, paymentID); err != nil {
		return fmt.Errorf("token: journal transfer: %w", err)
	}
	return nil
}
