/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the transfer engine's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/oakline/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods. All lookups are scoped to an owner so that an account id
	// belonging to someone else is indistinguishable from a missing one.
	FindAccountByIDForOwner(ctx context.Context, accountID, ownerID uuid.UUID) (*domain.Account, error)
	FindAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error)

	// PostTransfer materializes a validated instruction as a single atomic unit
	// of work: one transfer_rules row, two transactions rows, two conditional
	// balance updates. On any failure nothing persists.
	PostTransfer(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferResult, error)

	// Idempotency guard lookups.
	FindTransferResultByIdempotencyKey(ctx context.Context, key string) (*domain.TransferResult, error)

	// Ledger history methods.
	FindTransactionsByAccountID(ctx context.Context, accountID, ownerID uuid.UUID, opts domain.LedgerListOptions) ([]domain.Transaction, error)
	FindTransferPairByRuleID(ctx context.Context, ruleID, ownerID uuid.UUID) (*domain.TransferPair, error)
}
