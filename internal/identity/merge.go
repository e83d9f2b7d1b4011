package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/store"
)

var (
	// ErrInvalidMergeTargets means the two ids do not name two distinct
	// existing customers.
	ErrInvalidMergeTargets = errors.New("invalid merge targets")

	// ErrMergePartialFailure means order reassignment did not fully complete.
	// The source record is retained so no order is orphaned; both records are
	// left intact for the operator to retry.
	ErrMergePartialFailure = errors.New("merge partially failed")
)

// MergeEngine consolidates two customer records into one.
//
// Precondition for callers: a merge is irreversible once it returns success,
// so explicit operator confirmation must be obtained before invoking it. The
// engine does not (and cannot) verify that confirmation happened.
type MergeEngine struct {
	repo   store.Repository
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMergeEngine(repo store.Repository, logger *zap.Logger) *MergeEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeEngine{
		repo:   repo,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Merge folds source into target: points are summed, empty target contact
// fields adopt the source's values, all of source's orders move to target,
// and only then is the source record deleted. Writes to the two customer
// records are serialized per id for the duration.
func (e *MergeEngine) Merge(ctx context.Context, targetID, sourceID string) (domain.CustomerRecord, error) {
	if targetID == "" || sourceID == "" || targetID == sourceID {
		return domain.CustomerRecord{}, ErrInvalidMergeTargets
	}

	unlock := e.lockPair(targetID, sourceID)
	defer unlock()

	target, err := e.repo.GetCustomerByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CustomerRecord{}, fmt.Errorf("%w: target %s", ErrInvalidMergeTargets, targetID)
		}
		return domain.CustomerRecord{}, err
	}
	source, err := e.repo.GetCustomerByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CustomerRecord{}, fmt.Errorf("%w: source %s", ErrInvalidMergeTargets, sourceID)
		}
		return domain.CustomerRecord{}, err
	}

	sourceOrders, err := e.repo.CountOrdersByCustomer(ctx, sourceID)
	if err != nil {
		return domain.CustomerRecord{}, err
	}

	merged := *target
	merged.LoyaltyPoints = target.LoyaltyPoints + source.LoyaltyPoints
	if merged.Email == "" {
		merged.Email = source.Email
	}
	if merged.Phone == "" {
		merged.Phone = source.Phone
	}
	if merged.LicenseNumber == "" {
		merged.LicenseNumber = source.LicenseNumber
	}
	if merged.DateOfBirth == nil {
		merged.DateOfBirth = source.DateOfBirth
	}

	// Orders move first; the target record is written only once every one of
	// them has a new owner. A reassignment failure therefore leaves the two
	// customer records exactly as they were, and a retry starts from scratch
	// without double-counting points.
	reassigned, err := e.repo.ReassignOrders(ctx, sourceID, targetID)
	if err != nil {
		e.logger.Error("merge: order reassignment failed, records untouched",
			zap.String("target_id", targetID),
			zap.String("source_id", sourceID),
			zap.Error(err))
		return domain.CustomerRecord{}, fmt.Errorf("%w: %v", ErrMergePartialFailure, err)
	}
	if reassigned != sourceOrders {
		e.logger.Error("merge: order reassignment incomplete, records untouched",
			zap.String("source_id", sourceID),
			zap.Int("expected", sourceOrders),
			zap.Int("reassigned", reassigned))
		return domain.CustomerRecord{}, fmt.Errorf("%w: %d of %d orders reassigned",
			ErrMergePartialFailure, reassigned, sourceOrders)
	}

	saved, err := e.repo.UpdateCustomer(ctx, merged)
	if err != nil {
		return domain.CustomerRecord{}, fmt.Errorf("%w: target update: %v", ErrMergePartialFailure, err)
	}

	// Source is deleted only after every order has a new owner.
	if err := e.repo.DeleteCustomer(ctx, sourceID); err != nil {
		e.logger.Error("merge: source delete failed after reassignment",
			zap.String("source_id", sourceID), zap.Error(err))
		return domain.CustomerRecord{}, fmt.Errorf("%w: source delete: %v", ErrMergePartialFailure, err)
	}

	return *saved, nil
}

// lockPair acquires both customers' locks in a stable order to avoid
// deadlocking two concurrent merges of the same pair.
func (e *MergeEngine) lockPair(a, b string) func() {
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	m1 := e.lockFor(first)
	m2 := e.lockFor(second)
	m1.Lock()
	m2.Lock()
	return func() {
		m2.Unlock()
		m1.Unlock()
	}
}

func (e *MergeEngine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	return m
}
