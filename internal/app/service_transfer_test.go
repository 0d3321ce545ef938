package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oakline/ledger-service/internal/domain"
)

func TestPostTransfer_ConservesMoney(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	service := NewService(repo, nil, 0, 0)

	result, err := service.PostTransfer(context.Background(), ownerID, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}, "")
	if err != nil {
		t.Fatalf("expected transfer to post, got %v", err)
	}
	if !result.Success {
		t.Fatal("expected success result")
	}
	if result.Amount != 2500 {
		t.Fatalf("expected result amount 2500, got %d", result.Amount)
	}
	if result.TransactionID == uuid.Nil {
		t.Fatal("expected outbound transaction id in result")
	}

	if got := repo.balance(source.ID); got != 7500 {
		t.Fatalf("expected source balance 7500, got %d", got)
	}
	if got := repo.balance(destination.ID); got != 2500 {
		t.Fatalf("expected destination balance 2500, got %d", got)
	}
	if repo.entryCount() != 2 {
		t.Fatalf("expected exactly two ledger entries, got %d", repo.entryCount())
	}

	var sum int64
	for _, entry := range repo.entries {
		if entry.Status != domain.StatusApproved {
			t.Fatalf("expected approved entries, got %q", entry.Status)
		}
		sum += entry.Amount
	}
	if sum != 0 {
		t.Fatalf("expected ledger entries to sum to zero, got %d", sum)
	}
}

func TestPostTransfer_PairRetrievableByCorrelationID(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	service := NewService(repo, nil, 0, 0)

	if _, err := service.PostTransfer(context.Background(), ownerID, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}, ""); err != nil {
		t.Fatalf("expected transfer to post, got %v", err)
	}

	var ruleID uuid.UUID
	for id := range repo.rules {
		ruleID = id
	}
	pair, err := service.GetTransfer(context.Background(), ruleID, ownerID)
	if err != nil {
		t.Fatalf("expected transfer pair, got %v", err)
	}
	if pair.Outbound.Amount != -2500 || pair.Inbound.Amount != 2500 {
		t.Fatalf("expected offsetting legs, got outbound=%d inbound=%d", pair.Outbound.Amount, pair.Inbound.Amount)
	}
	if pair.Outbound.TransferRuleID != pair.Inbound.TransferRuleID {
		t.Fatal("expected both legs to share the correlation id")
	}
}

func TestPostTransfer_AtomicFailureLeavesNoPartialState(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	repo.failPostWith = errors.New("connection reset during commit")
	service := NewService(repo, nil, 0, 0)

	_, err := service.PostTransfer(context.Background(), ownerID, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}, "")
	engineErr := engineKind(t, err)
	if engineErr.Kind != KindTransferFailed {
		t.Fatalf("expected %s, got %s", KindTransferFailed, engineErr.Kind)
	}

	if got := repo.balance(source.ID); got != 10000 {
		t.Fatalf("expected source balance unchanged at 10000, got %d", got)
	}
	if got := repo.balance(destination.ID); got != 0 {
		t.Fatalf("expected destination balance unchanged at 0, got %d", got)
	}
	if repo.entryCount() != 0 {
		t.Fatalf("expected no ledger entries after rollback, got %d", repo.entryCount())
	}
	if len(repo.rules) != 0 {
		t.Fatalf("expected no transfer rule after rollback, got %d", len(repo.rules))
	}
}

func TestPostTransfer_ReplaySameKeyPostsNothingNew(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	service := NewService(repo, nil, 0, 0)

	request := domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}

	first, err := service.PostTransfer(context.Background(), ownerID, request, "retry-key-7")
	if err != nil {
		t.Fatalf("expected first transfer to post, got %v", err)
	}
	second, err := service.PostTransfer(context.Background(), ownerID, request, "retry-key-7")
	if err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}

	if first.TransactionID != second.TransactionID {
		t.Fatalf("expected replay to return the original transaction id %s, got %s", first.TransactionID, second.TransactionID)
	}
	if repo.postCalls != 1 {
		t.Fatalf("expected exactly one posting attempt, got %d", repo.postCalls)
	}
	if repo.entryCount() != 2 {
		t.Fatalf("expected two ledger entries after replay, got %d", repo.entryCount())
	}
	if got := repo.balance(source.ID); got != 7500 {
		t.Fatalf("expected single debit, balance 7500, got %d", got)
	}
}

func TestPostTransfer_ReplayAfterSourceDrained(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 2500)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	service := NewService(repo, nil, 0, 0)

	request := domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}

	// The first posting drains the source. A retry of the same request must
	// replay the stored result, not re-check the now-zero balance.
	first, err := service.PostTransfer(context.Background(), ownerID, request, "drain-key")
	if err != nil {
		t.Fatalf("expected first transfer to post, got %v", err)
	}
	second, err := service.PostTransfer(context.Background(), ownerID, request, "drain-key")
	if err != nil {
		t.Fatalf("expected replay after draining the source to succeed, got %v", err)
	}

	if first.TransactionID != second.TransactionID {
		t.Fatalf("expected replay to return the original transaction id %s, got %s", first.TransactionID, second.TransactionID)
	}
	if repo.postCalls != 1 {
		t.Fatalf("expected exactly one posting attempt, got %d", repo.postCalls)
	}
	if repo.entryCount() != 2 {
		t.Fatalf("expected two ledger entries after replay, got %d", repo.entryCount())
	}
	if got := repo.balance(source.ID); got != 0 {
		t.Fatalf("expected source balance to stay at 0, got %d", got)
	}
}

func TestPostTransfer_ReplayAfterSourceDeactivated(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	service := NewService(repo, nil, 0, 0)

	request := domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}

	first, err := service.PostTransfer(context.Background(), ownerID, request, "frozen-key")
	if err != nil {
		t.Fatalf("expected first transfer to post, got %v", err)
	}

	source.IsActive = false

	second, err := service.PostTransfer(context.Background(), ownerID, request, "frozen-key")
	if err != nil {
		t.Fatalf("expected replay after deactivating the source to succeed, got %v", err)
	}
	if first.TransactionID != second.TransactionID {
		t.Fatalf("expected replay to return the original transaction id %s, got %s", first.TransactionID, second.TransactionID)
	}
	if repo.postCalls != 1 {
		t.Fatalf("expected exactly one posting attempt, got %d", repo.postCalls)
	}
}

func TestPostTransfer_DuplicateRaceResolvedByReplay(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
	destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destination)
	winner := &domain.TransferResult{
		Success:       true,
		Message:       "transfer posted",
		TransactionID: uuid.New(),
		Amount:        2500,
	}
	repo.duplicateRaceResult = winner
	service := NewService(repo, nil, 0, 0)

	result, err := service.PostTransfer(context.Background(), ownerID, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: destination.ID,
		Amount:               2500,
	}, "raced-key")
	if err != nil {
		t.Fatalf("expected raced request to return the winner's result, got %v", err)
	}
	if result.TransactionID != winner.TransactionID {
		t.Fatalf("expected winner's transaction id %s, got %s", winner.TransactionID, result.TransactionID)
	}
}

func TestPostTransfer_RetriesConflictsUpToBound(t *testing.T) {
	ownerID := uuid.New()

	t.Run("recovers within the retry budget", func(t *testing.T) {
		source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
		destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
		repo := newFakeRepository(source, destination)
		repo.conflictsLeft = 2
		service := NewService(repo, nil, 0, 3)

		result, err := service.PostTransfer(context.Background(), ownerID, domain.TransferRequest{
			SourceAccountID:      source.ID,
			DestinationAccountID: destination.ID,
			Amount:               2500,
		}, "")
		if err != nil {
			t.Fatalf("expected retry to recover, got %v", err)
		}
		if !result.Success {
			t.Fatal("expected success result after retries")
		}
		if repo.postCalls != 3 {
			t.Fatalf("expected 3 posting attempts, got %d", repo.postCalls)
		}
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		source := activeAccount(ownerID, domain.AccountTypeChecking, 10000)
		destination := activeAccount(ownerID, domain.AccountTypeSavings, 0)
		repo := newFakeRepository(source, destination)
		repo.conflictsLeft = 10
		service := NewService(repo, nil, 0, 3)

		_, err := service.PostTransfer(context.Background(), ownerID, domain.TransferRequest{
			SourceAccountID:      source.ID,
			DestinationAccountID: destination.ID,
			Amount:               2500,
		}, "")
		if kind := engineKind(t, err).Kind; kind != KindTransferFailed {
			t.Fatalf("expected %s, got %s", KindTransferFailed, kind)
		}
		if repo.postCalls != 3 {
			t.Fatalf("expected exactly 3 posting attempts, got %d", repo.postCalls)
		}
	})
}

func TestPostTransfer_ConcurrentExhaustionHasOneWinner(t *testing.T) {
	ownerID := uuid.New()
	source := activeAccount(ownerID, domain.AccountTypeChecking, 2500)
	destinationA := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	destinationB := activeAccount(ownerID, domain.AccountTypeSavings, 0)
	repo := newFakeRepository(source, destinationA, destinationB)
	service := NewService(repo, nil, 0, 0)

	// Two concurrent transfers each for the full balance: exactly one may win.
	requests := []domain.TransferRequest{
		{SourceAccountID: source.ID, DestinationAccountID: destinationA.ID, Amount: 2500},
		{SourceAccountID: source.ID, DestinationAccountID: destinationB.ID, Amount: 2500},
	}

	var wg sync.WaitGroup
	results := make([]error, len(requests))
	for i, request := range requests {
		wg.Add(1)
		go func(i int, request domain.TransferRequest) {
			defer wg.Done()
			_, err := service.PostTransfer(context.Background(), ownerID, request, "")
			results[i] = err
		}(i, request)
	}
	wg.Wait()

	var successes, insufficient int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		switch engineKind(t, err).Kind {
		case KindInsufficientFunds, KindTransferFailed:
			insufficient++
		default:
			t.Fatalf("unexpected failure kind: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one winner and one loser, got %d winners and %d losers", successes, insufficient)
	}
	if got := repo.balance(source.ID); got != 0 {
		t.Fatalf("expected source drained to 0, got %d", got)
	}
	if repo.entryCount() != 2 {
		t.Fatalf("expected two ledger entries from the single winner, got %d", repo.entryCount())
	}
}

type stubRateLimiter struct {
	count int
	err   error
}

func (s *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.count++
	return s.count, 30, nil
}

func TestCheckTransferRateLimit(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepository()
	service := NewService(repo, nil, 0, 0)

	t.Run("no limiter allows everything", func(t *testing.T) {
		allowed, _ := service.CheckTransferRateLimit(context.Background(), ownerID, 1, time.Minute)
		if !allowed {
			t.Fatal("expected request to be allowed without a limiter")
		}
	})

	t.Run("limit exceeded blocks with retry-after", func(t *testing.T) {
		service.SetRateLimiter(&stubRateLimiter{count: 2})
		allowed, retryAfter := service.CheckTransferRateLimit(context.Background(), ownerID, 2, time.Minute)
		if allowed {
			t.Fatal("expected request above the limit to be blocked")
		}
		if retryAfter != 30 {
			t.Fatalf("expected retry-after 30, got %d", retryAfter)
		}
	})

	t.Run("limiter outage fails open", func(t *testing.T) {
		service.SetRateLimiter(&stubRateLimiter{err: errors.New("redis unavailable")})
		allowed, _ := service.CheckTransferRateLimit(context.Background(), ownerID, 1, time.Minute)
		if !allowed {
			t.Fatal("expected limiter outage to fail open")
		}
	})
}
