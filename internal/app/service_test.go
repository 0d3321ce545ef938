package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/oakline/ledger-service/internal/domain"
	"github.com/oakline/ledger-service/internal/store"
)

// fakeRepository is an in-memory Repository with the same conditional-debit
// semantics as the Postgres implementation: the balance check and the
// decrement happen under one lock, and nothing persists on failure.
type fakeRepository struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]*domain.Account
	entries      []domain.Transaction
	rules        map[uuid.UUID]domain.TransferRule
	resultsByKey map[string]domain.TransferResult

	postCalls           int
	lookupCalls         int
	conflictsLeft       int
	failPostWith        error
	duplicateRaceResult *domain.TransferResult
}

func newFakeRepository(accounts ...*domain.Account) *fakeRepository {
	repo := &fakeRepository{
		accounts:     map[uuid.UUID]*domain.Account{},
		rules:        map[uuid.UUID]domain.TransferRule{},
		resultsByKey: map[string]domain.TransferResult{},
	}
	for _, account := range accounts {
		repo.accounts[account.ID] = account
	}
	return repo
}

func (f *fakeRepository) FindAccountByIDForOwner(ctx context.Context, accountID, ownerID uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++

	account, ok := f.accounts[accountID]
	if !ok || account.OwnerID != ownerID {
		return nil, store.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeRepository) FindAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var accounts []domain.Account
	for _, account := range f.accounts {
		if account.OwnerID == ownerID {
			accounts = append(accounts, *account)
		}
	}
	return accounts, nil
}

func (f *fakeRepository) PostTransfer(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++

	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return nil, store.ErrTransferConflict
	}
	if f.failPostWith != nil {
		return nil, f.failPostWith
	}
	if f.duplicateRaceResult != nil {
		// Simulate a concurrent identical request committing between the
		// guard's existence check and this posting attempt.
		f.resultsByKey[instruction.IdempotencyKey] = *f.duplicateRaceResult
		f.duplicateRaceResult = nil
		return nil, store.ErrDuplicateTransfer
	}
	if _, exists := f.resultsByKey[instruction.IdempotencyKey]; exists {
		return nil, store.ErrDuplicateTransfer
	}

	source, ok := f.accounts[instruction.SourceAccountID]
	if !ok || source.OwnerID != instruction.OwnerID {
		return nil, store.ErrSourceAccountNotFound
	}
	destination, ok := f.accounts[instruction.DestinationAccountID]
	if !ok || destination.OwnerID != instruction.OwnerID {
		return nil, store.ErrDestinationAccountNotFound
	}
	if !source.IsActive {
		return nil, store.ErrSourceAccountInactive
	}
	if !destination.IsActive {
		return nil, store.ErrDestinationAccountInactive
	}
	if source.Balance < instruction.Amount {
		return nil, store.ErrInsufficientFunds
	}

	source.Balance -= instruction.Amount
	destination.Balance += instruction.Amount

	f.rules[instruction.RuleID] = domain.TransferRule{
		ID:                   instruction.RuleID,
		OwnerID:              instruction.OwnerID,
		Kind:                 domain.TransferKindInstant,
		Direction:            domain.DirectionOutbound,
		Amount:               instruction.Amount,
		SourceAccountID:      instruction.SourceAccountID,
		DestinationAccountID: instruction.DestinationAccountID,
	}

	outboundID := uuid.New()
	f.entries = append(f.entries,
		domain.Transaction{
			ID:             outboundID,
			AccountID:      instruction.SourceAccountID,
			Amount:         -instruction.Amount,
			Category:       domain.CategoryInternalTransfer,
			Direction:      domain.DirectionOutbound,
			Status:         domain.StatusApproved,
			TransferRuleID: instruction.RuleID,
			IdempotencyKey: instruction.IdempotencyKey + ":out",
		},
		domain.Transaction{
			ID:             uuid.New(),
			AccountID:      instruction.DestinationAccountID,
			Amount:         instruction.Amount,
			Category:       domain.CategoryInternalTransfer,
			Direction:      domain.DirectionInbound,
			Status:         domain.StatusApproved,
			TransferRuleID: instruction.RuleID,
			IdempotencyKey: instruction.IdempotencyKey + ":in",
		},
	)

	result := domain.TransferResult{
		Success:       true,
		Message:       "transfer posted",
		TransactionID: outboundID,
		Amount:        instruction.Amount,
	}
	f.resultsByKey[instruction.IdempotencyKey] = result
	return &result, nil
}

func (f *fakeRepository) FindTransferResultByIdempotencyKey(ctx context.Context, key string) (*domain.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.resultsByKey[key]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := result
	return &copied, nil
}

func (f *fakeRepository) FindTransactionsByAccountID(ctx context.Context, accountID, ownerID uuid.UUID, opts domain.LedgerListOptions) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	account, ok := f.accounts[accountID]
	if !ok || account.OwnerID != ownerID {
		return nil, store.ErrAccountNotFound
	}
	var transactions []domain.Transaction
	for _, entry := range f.entries {
		if entry.AccountID == accountID {
			transactions = append(transactions, entry)
		}
	}
	return transactions, nil
}

func (f *fakeRepository) FindTransferPairByRuleID(ctx context.Context, ruleID, ownerID uuid.UUID) (*domain.TransferPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, ok := f.rules[ruleID]
	if !ok || rule.OwnerID != ownerID {
		return nil, store.ErrTransferNotFound
	}
	pair := &domain.TransferPair{Rule: rule}
	for _, entry := range f.entries {
		if entry.TransferRuleID == ruleID {
			pair.Entries = append(pair.Entries, entry)
			switch entry.Direction {
			case domain.DirectionOutbound:
				pair.Outbound = entry
			case domain.DirectionInbound:
				pair.Inbound = entry
			}
		}
	}
	return pair, nil
}

func (f *fakeRepository) balance(accountID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[accountID].Balance
}

func (f *fakeRepository) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func activeAccount(ownerID uuid.UUID, accountType string, balance int64) *domain.Account {
	return &domain.Account{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		AccountType: accountType,
		Balance:     balance,
		IsActive:    true,
	}
}
