/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to read accounts, post internal transfers as a
 * single atomic unit of work, and page through ledger history.
 *
 * The transfer posting path is the only code in the service allowed to mutate
 * account balances. The debit is a conditional decrement (balance >= amount is
 * part of the UPDATE predicate), so two concurrent transfers from the same
 * account can never both pass a sufficient-funds check against a stale balance.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oakline/ledger-service/internal/domain"
)

var (
	ErrSourceAccountNotFound      = errors.New("source account not found")
	ErrDestinationAccountNotFound = errors.New("destination account not found")
	ErrSourceAccountInactive      = errors.New("source account is inactive")
	ErrDestinationAccountInactive = errors.New("destination account is inactive")
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrAccountNotFound            = errors.New("account not found")
	ErrTransferNotFound           = errors.New("transfer not found")

	// ErrDuplicateTransfer means the idempotency key has already been posted;
	// the caller should replay the stored result instead of failing.
	ErrDuplicateTransfer = errors.New("transfer already posted for idempotency key")

	// ErrTransferConflict is a lost concurrency race (serialization failure or
	// deadlock). Nothing was committed, so the unit of work is safe to retry
	// with the same idempotency key.
	ErrTransferConflict = errors.New("transfer aborted by concurrent update")
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func outboundKey(key string) string { return key + ":out" }
func inboundKey(key string) string  { return key + ":in" }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		(pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByIDForOwner retrieves one account, scoped to its owner. An id
// that exists but belongs to a different owner reports ErrAccountNotFound.
func (r *PostgresRepository) FindAccountByIDForOwner(ctx context.Context, accountID, ownerID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, owner_id, account_type, balance, is_active, created_at, updated_at
		FROM accounts
		WHERE id = $1 AND owner_id = $2
	`
	err := r.db.QueryRow(ctx, query, accountID, ownerID).Scan(
		&account.ID, &account.OwnerID, &account.AccountType,
		&account.Balance, &account.IsActive, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindAccountsByOwnerID retrieves all accounts belonging to an owner.
func (r *PostgresRepository) FindAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	var accounts []domain.Account
	query := `
		SELECT id, owner_id, account_type, balance, is_active, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var account domain.Account
		err := rows.Scan(
			&account.ID, &account.OwnerID, &account.AccountType,
			&account.Balance, &account.IsActive, &account.CreatedAt, &account.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// PostTransfer atomically posts a validated transfer: one transfer_rules row,
// a conditional debit and credit, and the two offsetting transactions rows.
// All four mutations commit together or none persist.
func (r *PostgresRepository) PostTransfer(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transfer transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := r.postTransferInTx(ctx, tx, instruction)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTransfer
		}
		if isRetryableConflict(err) {
			return nil, ErrTransferConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isRetryableConflict(err) {
			return nil, ErrTransferConflict
		}
		return nil, fmt.Errorf("failed to commit transfer: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) postTransferInTx(ctx context.Context, tx pgx.Tx, instruction domain.TransferInstruction) (*domain.TransferResult, error) {
	ruleQuery := `
		INSERT INTO transfer_rules (
			id, owner_id, kind, direction, amount, source_account_id, destination_account_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, ruleQuery,
		instruction.RuleID,
		instruction.OwnerID,
		domain.TransferKindInstant,
		domain.DirectionOutbound,
		instruction.Amount,
		instruction.SourceAccountID,
		instruction.DestinationAccountID,
	); err != nil {
		return nil, fmt.Errorf("failed to create transfer rule: %w", err)
	}

	// Conditional debit. The balance check is part of the UPDATE predicate so a
	// concurrent transfer cannot overdraw the account.
	debitQuery := `
		UPDATE accounts
		SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3 AND is_active AND balance >= $1
	`
	debitResult, err := tx.Exec(ctx, debitQuery, instruction.Amount, instruction.SourceAccountID, instruction.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to debit source account: %w", err)
	}
	if debitResult.RowsAffected() == 0 {
		return nil, r.classifyRejectedUpdate(ctx, tx, instruction.SourceAccountID, instruction.OwnerID, instruction.Amount, true)
	}

	creditQuery := `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3 AND is_active
	`
	creditResult, err := tx.Exec(ctx, creditQuery, instruction.Amount, instruction.DestinationAccountID, instruction.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit destination account: %w", err)
	}
	if creditResult.RowsAffected() == 0 {
		return nil, r.classifyRejectedUpdate(ctx, tx, instruction.DestinationAccountID, instruction.OwnerID, 0, false)
	}

	entryQuery := `
		INSERT INTO transactions (
			id, account_id, amount, category, direction, status, transfer_rule_id, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	outboundID := uuid.New()
	if _, err := tx.Exec(ctx, entryQuery,
		outboundID,
		instruction.SourceAccountID,
		-instruction.Amount,
		domain.CategoryInternalTransfer,
		domain.DirectionOutbound,
		domain.StatusApproved,
		instruction.RuleID,
		outboundKey(instruction.IdempotencyKey),
	); err != nil {
		return nil, fmt.Errorf("failed to create outbound ledger entry: %w", err)
	}

	if _, err := tx.Exec(ctx, entryQuery,
		uuid.New(),
		instruction.DestinationAccountID,
		instruction.Amount,
		domain.CategoryInternalTransfer,
		domain.DirectionInbound,
		domain.StatusApproved,
		instruction.RuleID,
		inboundKey(instruction.IdempotencyKey),
	); err != nil {
		return nil, fmt.Errorf("failed to create inbound ledger entry: %w", err)
	}

	return &domain.TransferResult{
		Success:       true,
		Message:       "transfer posted",
		TransactionID: outboundID,
		Amount:        instruction.Amount,
	}, nil
}

// classifyRejectedUpdate re-reads an account inside the same transaction to
// turn a zero-rows-affected conditional update into a precise error.
func (r *PostgresRepository) classifyRejectedUpdate(ctx context.Context, tx pgx.Tx, accountID, ownerID uuid.UUID, amount int64, isSource bool) error {
	var isActive bool
	var balance int64
	query := `SELECT is_active, balance FROM accounts WHERE id = $1 AND owner_id = $2`
	err := tx.QueryRow(ctx, query, accountID, ownerID).Scan(&isActive, &balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			if isSource {
				return ErrSourceAccountNotFound
			}
			return ErrDestinationAccountNotFound
		}
		return err
	}
	if !isActive {
		if isSource {
			return ErrSourceAccountInactive
		}
		return ErrDestinationAccountInactive
	}
	if isSource && balance < amount {
		return ErrInsufficientFunds
	}
	// The conditional update matched nothing yet the re-read looks fine, which
	// means a concurrent writer changed the row between the two statements.
	return ErrTransferConflict
}

// FindTransferResultByIdempotencyKey returns the previously computed result for
// an idempotency key, or ErrTransferNotFound if nothing was posted under it.
func (r *PostgresRepository) FindTransferResultByIdempotencyKey(ctx context.Context, key string) (*domain.TransferResult, error) {
	var transactionID uuid.UUID
	var amount int64
	query := `
		SELECT id, amount
		FROM transactions
		WHERE idempotency_key = $1
	`
	err := r.db.QueryRow(ctx, query, outboundKey(key)).Scan(&transactionID, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &domain.TransferResult{
		Success:       true,
		Message:       "transfer posted",
		TransactionID: transactionID,
		Amount:        -amount, // outbound leg is stored as a debit
	}, nil
}

// FindTransactionsByAccountID retrieves ledger entries for an owned account,
// newest first.
func (r *PostgresRepository) FindTransactionsByAccountID(ctx context.Context, accountID, ownerID uuid.UUID, opts domain.LedgerListOptions) ([]domain.Transaction, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	// Ownership check first so a foreign account id reads as not found rather
	// than as an empty history.
	if _, err := r.FindAccountByIDForOwner(ctx, accountID, ownerID); err != nil {
		return nil, err
	}

	var transactions []domain.Transaction
	query := `
		SELECT id, account_id, amount, category, direction, status, transfer_rule_id, idempotency_key, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.Transaction
		err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.Amount, &entry.Category,
			&entry.Direction, &entry.Status, &entry.TransferRuleID,
			&entry.IdempotencyKey, &entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, entry)
	}

	return transactions, rows.Err()
}

// FindTransferPairByRuleID retrieves the two legs of a posted transfer, scoped
// to the owner that created the rule.
func (r *PostgresRepository) FindTransferPairByRuleID(ctx context.Context, ruleID, ownerID uuid.UUID) (*domain.TransferPair, error) {
	var pair domain.TransferPair
	ruleQuery := `
		SELECT id, owner_id, kind, direction, amount, source_account_id, destination_account_id, created_at
		FROM transfer_rules
		WHERE id = $1 AND owner_id = $2
	`
	err := r.db.QueryRow(ctx, ruleQuery, ruleID, ownerID).Scan(
		&pair.Rule.ID, &pair.Rule.OwnerID, &pair.Rule.Kind, &pair.Rule.Direction,
		&pair.Rule.Amount, &pair.Rule.SourceAccountID, &pair.Rule.DestinationAccountID,
		&pair.Rule.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}

	entriesQuery := `
		SELECT id, account_id, amount, category, direction, status, transfer_rule_id, idempotency_key, created_at
		FROM transactions
		WHERE transfer_rule_id = $1
		ORDER BY direction DESC
	`
	rows, err := r.db.Query(ctx, entriesQuery, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.Transaction
		err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.Amount, &entry.Category,
			&entry.Direction, &entry.Status, &entry.TransferRuleID,
			&entry.IdempotencyKey, &entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		pair.Entries = append(pair.Entries, entry)
		switch entry.Direction {
		case domain.DirectionOutbound:
			pair.Outbound = entry
		case domain.DirectionInbound:
			pair.Inbound = entry
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pair.Entries) != 2 {
		return nil, fmt.Errorf("transfer %s has %d ledger entries, expected 2", ruleID, len(pair.Entries))
	}
	return &pair, nil
}
