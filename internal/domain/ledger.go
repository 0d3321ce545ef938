/**
 * @description
 * This file defines the core domain models for the ledger-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), which
 *   avoids floating-point inaccuracies with financial data. Conversion to and
 *   from major units happens only at the edges, via the helpers in money.go.
 * - Transaction rows are append-only: once posted they are never updated.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account category values.
const (
	AccountTypeChecking = "checking"
	AccountTypeSavings  = "savings"
)

// Transaction direction values.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Transaction status values.
const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// CategoryInternalTransfer marks ledger entries created by the transfer engine.
const CategoryInternalTransfer = "internal_transfer"

// TransferKindInstant marks a one-off transfer rule, as opposed to a scheduled
// or recurring rule managed elsewhere.
const TransferKindInstant = "instant"

// Account represents a user's deposit account. Maps to the `accounts` table.
type Account struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	AccountType string    `json:"account_type"` // 'checking' or 'savings'
	Balance     int64     `json:"balance"`      // in cents
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction is one immutable ledger entry: a single signed movement of funds
// against a single account. An internal transfer always produces exactly two
// rows with equal and opposite amounts, linked by TransferRuleID.
type Transaction struct {
	ID             uuid.UUID `json:"id"`
	AccountID      uuid.UUID `json:"account_id"`
	Amount         int64     `json:"amount"` // in cents, negative = debit
	Category       string    `json:"category"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	TransferRuleID uuid.UUID `json:"transfer_rule_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// TransferRule is the persisted record of one transfer instruction. Its ID is
// the correlation id that ties the two ledger entries of a transfer together.
type TransferRule struct {
	ID                   uuid.UUID `json:"id"`
	OwnerID              uuid.UUID `json:"owner_id"`
	Kind                 string    `json:"kind"`
	Direction            string    `json:"direction"`
	Amount               int64     `json:"amount"` // in cents
	SourceAccountID      uuid.UUID `json:"source_account_id"`
	DestinationAccountID uuid.UUID `json:"destination_account_id"`
	CreatedAt            time.Time `json:"created_at"`
}

// TransferRequest is the DTO for incoming internal transfer API requests.
type TransferRequest struct {
	SourceAccountID      uuid.UUID `json:"source_account_id"`
	DestinationAccountID uuid.UUID `json:"destination_account_id"`
	Amount               int64     `json:"amount"` // in cents
}

// TransferInstruction is a validated transfer, ready for atomic execution.
// It is produced by the validator and consumed by the executor; it never
// outlives the request that created it.
type TransferInstruction struct {
	RuleID               uuid.UUID
	OwnerID              uuid.UUID
	SourceAccountID      uuid.UUID
	DestinationAccountID uuid.UUID
	Amount               int64 // in cents
	IdempotencyKey       string
}

// TransferResult is returned to the caller after a transfer has been posted
// (or replayed from a previous posting under the same idempotency key).
type TransferResult struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	TransactionID uuid.UUID `json:"transaction_id"` // outbound leg
	Amount        int64     `json:"amount"`         // in cents
}

// TransferPair is the two ledger entries of one posted transfer, retrieved by
// correlation id.
type TransferPair struct {
	Rule     TransferRule  `json:"rule"`
	Outbound Transaction   `json:"outbound"`
	Inbound  Transaction   `json:"inbound"`
	Entries  []Transaction `json:"-"`
}

// LedgerListOptions controls pagination for account transaction history.
type LedgerListOptions struct {
	Limit  int
	Offset int
}

// TransferPostedEvent is the message payload published to RabbitMQ after a
// transfer has been committed.
type TransferPostedEvent struct {
	TransferRuleID       uuid.UUID `json:"transfer_rule_id"`
	OwnerID              uuid.UUID `json:"owner_id"`
	SourceAccountID      uuid.UUID `json:"source_account_id"`
	DestinationAccountID uuid.UUID `json:"destination_account_id"`
	Amount               int64     `json:"amount"`
	TransactionID        uuid.UUID `json:"transaction_id"`
	Timestamp            time.Time `json:"timestamp"`
}
