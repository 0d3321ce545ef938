/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct is the transfer engine: it validates transfer requests, drives the
 * repository's atomic posting path, guards against duplicate posting via
 * idempotency keys, and publishes an event once a transfer has committed.
 *
 * Key features:
 * - Fail-fast request validation with no side effects on failure.
 * - Bounded automatic retry of lost concurrency races; safe because nothing
 *   commits on a conflict and the idempotency key is stable across attempts.
 * - Replays the previously computed result when an idempotency key has already
 *   been posted, instead of double-posting.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing transfer events.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oakline/ledger-service/internal/domain"
	"github.com/oakline/ledger-service/internal/store"
	"github.com/oakline/ledger-service/pkg/rabbitmq"
)

const (
	// DefaultMaxTransferAmount bounds a single transfer, in cents.
	DefaultMaxTransferAmount = int64(999_999_999)

	// DefaultConflictRetries is how many times a lost concurrency race is
	// retried before the engine gives up and reports transfer_failed.
	DefaultConflictRetries = 3

	maxIdempotencyKeyLength = 128
)

// Service provides the core business logic for the ledger transfer engine.
type Service struct {
	repo              store.Repository
	eventProducer     rabbitmq.Publisher
	rateLimiter       RateLimiter
	maxTransferAmount int64
	conflictRetries   int
}

// NewService creates a new transfer engine instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, maxTransferAmount int64, conflictRetries int) *Service {
	if maxTransferAmount <= 0 {
		maxTransferAmount = DefaultMaxTransferAmount
	}
	if conflictRetries <= 0 {
		conflictRetries = DefaultConflictRetries
	}
	return &Service{
		repo:              repo,
		eventProducer:     producer,
		maxTransferAmount: maxTransferAmount,
		conflictRetries:   conflictRetries,
	}
}

// SetRateLimiter attaches a distributed rate limiter to the transfer path.
// When unset, transfers are not rate limited.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// PostTransfer validates and atomically executes an internal transfer between
// two accounts owned by the requester. idempotencyKey may be empty, in which
// case the generated correlation id serves as the key.
func (s *Service) PostTransfer(ctx context.Context, ownerID uuid.UUID, req domain.TransferRequest, idempotencyKey string) (*domain.TransferResult, error) {
	key, err := validateRequestShape(s.maxTransferAmount, req, idempotencyKey)
	if err != nil {
		return nil, err
	}

	// Idempotency guard: a retried request replays the stored result. The
	// replay lookup must run before the account and balance checks, because the
	// state that let the original request through no longer holds once it has
	// committed (the transfer may have drained the source). The storage-level
	// unique constraint closes the race where two identical requests both miss
	// this check concurrently.
	if key != "" {
		if prior, err := s.repo.FindTransferResultByIdempotencyKey(ctx, key); err == nil {
			log.Printf("level=info component=engine msg=\"idempotent replay\" idempotency_key=%s transaction_id=%s",
				key, prior.TransactionID)
			return prior, nil
		} else if !errors.Is(err, store.ErrTransferNotFound) {
			return nil, internalError(err)
		}
	}

	instruction, err := s.validateAccounts(ctx, ownerID, req, key)
	if err != nil {
		return nil, err
	}

	result, err := s.execute(ctx, instruction)
	if err != nil {
		return nil, err
	}

	s.publishTransferPosted(ctx, instruction, result)
	return result, nil
}

// validateRequestShape runs the checks that depend only on the request itself,
// before any lookup. It returns the trimmed caller-supplied idempotency key,
// which may be empty.
func validateRequestShape(maxTransferAmount int64, req domain.TransferRequest, idempotencyKey string) (string, error) {
	if req.Amount <= 0 {
		return "", invalidRequest("amount must be a positive integer in cents")
	}
	if req.Amount > maxTransferAmount {
		return "", invalidRequest("amount exceeds the maximum transfer limit")
	}
	if req.SourceAccountID == req.DestinationAccountID {
		return "", invalidRequest("source and destination accounts must differ")
	}
	if req.SourceAccountID == uuid.Nil || req.DestinationAccountID == uuid.Nil {
		return "", invalidRequest("source and destination account ids are required")
	}
	key := strings.TrimSpace(idempotencyKey)
	if len(key) > maxIdempotencyKeyLength {
		return "", invalidRequest("idempotency key is too long")
	}
	return key, nil
}

// validateAccounts runs the state-dependent checks against current account
// state and, on success, returns an instruction ready for execution. It
// performs no writes.
func (s *Service) validateAccounts(ctx context.Context, ownerID uuid.UUID, req domain.TransferRequest, key string) (*domain.TransferInstruction, error) {
	source, err := s.repo.FindAccountByIDForOwner(ctx, req.SourceAccountID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, notFound(SideSource)
		}
		return nil, internalError(err)
	}
	destination, err := s.repo.FindAccountByIDForOwner(ctx, req.DestinationAccountID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, notFound(SideDestination)
		}
		return nil, internalError(err)
	}

	if !source.IsActive {
		return nil, accountInactive(SideSource)
	}
	if !destination.IsActive {
		return nil, accountInactive(SideDestination)
	}
	if source.Balance < req.Amount {
		return nil, insufficientFunds()
	}

	ruleID := uuid.New()
	if key == "" {
		key = ruleID.String()
	}

	return &domain.TransferInstruction{
		RuleID:               ruleID,
		OwnerID:              ownerID,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		IdempotencyKey:       key,
	}, nil
}

// execute drives the repository's atomic unit of work, retrying lost
// concurrency races a bounded number of times. The pre-validated balance is
// never trusted here: the conditional debit re-checks it inside the same
// database transaction that performs the decrement.
func (s *Service) execute(ctx context.Context, instruction *domain.TransferInstruction) (*domain.TransferResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		result, err := s.repo.PostTransfer(ctx, *instruction)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, store.ErrDuplicateTransfer):
			// A concurrent identical request won the race; replay its result.
			prior, lookupErr := s.repo.FindTransferResultByIdempotencyKey(ctx, instruction.IdempotencyKey)
			if lookupErr != nil {
				return nil, transferFailed(lookupErr)
			}
			log.Printf("level=info component=engine msg=\"duplicate posting resolved by replay\" idempotency_key=%s", instruction.IdempotencyKey)
			return prior, nil
		case errors.Is(err, store.ErrInsufficientFunds):
			return nil, insufficientFunds()
		case errors.Is(err, store.ErrSourceAccountNotFound):
			return nil, notFound(SideSource)
		case errors.Is(err, store.ErrDestinationAccountNotFound):
			return nil, notFound(SideDestination)
		case errors.Is(err, store.ErrSourceAccountInactive):
			return nil, accountInactive(SideSource)
		case errors.Is(err, store.ErrDestinationAccountInactive):
			return nil, accountInactive(SideDestination)
		case errors.Is(err, store.ErrTransferConflict):
			lastErr = err
			log.Printf("level=warn component=engine msg=\"transfer conflict; retrying\" attempt=%d idempotency_key=%s",
				attempt+1, instruction.IdempotencyKey)
			continue
		default:
			return nil, transferFailed(err)
		}
	}
	return nil, transferFailed(lastErr)
}

func (s *Service) publishTransferPosted(ctx context.Context, instruction *domain.TransferInstruction, result *domain.TransferResult) {
	if s.eventProducer == nil {
		return
	}
	event := domain.TransferPostedEvent{
		TransferRuleID:       instruction.RuleID,
		OwnerID:              instruction.OwnerID,
		SourceAccountID:      instruction.SourceAccountID,
		DestinationAccountID: instruction.DestinationAccountID,
		Amount:               instruction.Amount,
		TransactionID:        result.TransactionID,
		Timestamp:            time.Now().UTC(),
	}
	if err := s.eventProducer.PublishTransferPostedEvent(ctx, event); err != nil {
		// Event delivery is best-effort; the transfer has already committed.
		log.Printf("level=warn component=engine msg=\"transfer event publish failed\" transfer_rule_id=%s err=%v",
			instruction.RuleID, err)
	}
}

// GetAccounts retrieves all accounts owned by the requester.
func (s *Service) GetAccounts(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	accounts, err := s.repo.FindAccountsByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, internalError(err)
	}
	return accounts, nil
}

// GetAccount retrieves one account owned by the requester.
func (s *Service) GetAccount(ctx context.Context, accountID, ownerID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.FindAccountByIDForOwner(ctx, accountID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, &EngineError{Kind: KindNotFound, Message: "account not found"}
		}
		return nil, internalError(err)
	}
	return account, nil
}

// GetAccountTransactions retrieves paged ledger history for an owned account.
func (s *Service) GetAccountTransactions(ctx context.Context, accountID, ownerID uuid.UUID, opts domain.LedgerListOptions) ([]domain.Transaction, error) {
	transactions, err := s.repo.FindTransactionsByAccountID(ctx, accountID, ownerID, opts)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, &EngineError{Kind: KindNotFound, Message: "account not found"}
		}
		return nil, internalError(err)
	}
	return transactions, nil
}

// GetTransfer retrieves the posted ledger-entry pair for a transfer rule id.
func (s *Service) GetTransfer(ctx context.Context, ruleID, ownerID uuid.UUID) (*domain.TransferPair, error) {
	pair, err := s.repo.FindTransferPairByRuleID(ctx, ruleID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, &EngineError{Kind: KindNotFound, Message: "transfer not found"}
		}
		return nil, internalError(err)
	}
	return pair, nil
}

// CheckTransferRateLimit consumes one rate-limit token for the requester.
// It reports the retry-after seconds when the limit has been exceeded.
func (s *Service) CheckTransferRateLimit(ctx context.Context, ownerID uuid.UUID, limit int, window time.Duration) (allowed bool, retryAfterSeconds int) {
	if s.rateLimiter == nil || limit <= 0 {
		return true, 0
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "transfer", ownerID.String(), limit, window)
	if err != nil {
		// Fail open: a limiter outage must not block money movement.
		log.Printf("level=warn component=engine msg=\"rate limiter unavailable; allowing request\" owner_id=%s err=%v", ownerID, err)
		return true, 0
	}
	if count > limit {
		return false, retryAfter
	}
	return true, 0
}
