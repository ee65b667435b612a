package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateRecord(ctx context.Context, record *OutboxRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) FetchDispatchable(ctx context.Context, batchSize int, now time.Time, maxRetryCount int) ([]OutboxRecord, error) {
	args := m.Called(ctx, batchSize, now, maxRetryCount)
	return args.Get(0).([]OutboxRecord), args.Error(1)
}

func (m *MockStore) ClaimProcessing(ctx context.Context, id int64, now time.Time) (bool, error) {
	args := m.Called(ctx, id, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockStore) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	args := m.Called(ctx, id, errorMessage)
	return args.Error(0)
}

func (m *MockStore) GetFailure(ctx context.Context, eventID string) (*FailedPublish, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*FailedPublish), args.Error(1)
}

func (m *MockStore) InsertFailure(ctx context.Context, failure *FailedPublish) error {
	args := m.Called(ctx, failure)
	return args.Error(0)
}

func (m *MockStore) UpdateFailure(ctx context.Context, eventID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	args := m.Called(ctx, eventID, retryCount, nextRetryAt, lastError)
	return args.Error(0)
}

func (m *MockStore) DeleteFailure(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockStore) FetchExhaustedFailures(ctx context.Context, maxRetryCount, batchSize int) ([]FailedPublish, error) {
	args := m.Called(ctx, maxRetryCount, batchSize)
	return args.Get(0).([]FailedPublish), args.Error(1)
}

func (m *MockStore) MoveToDeadLetter(ctx context.Context, failure FailedPublish) error {
	args := m.Called(ctx, failure)
	return args.Error(0)
}

func (m *MockStore) FetchStuckClaims(ctx context.Context, olderThan time.Time, batchSize int) ([]OutboxRecord, error) {
	args := m.Called(ctx, olderThan, batchSize)
	return args.Get(0).([]OutboxRecord), args.Error(1)
}

func (m *MockStore) ResetClaim(ctx context.Context, id int64, status int) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockGuardStore is a mock implementation of the GuardStore interface.
type MockGuardStore struct {
	mock.Mock
}

func (m *MockGuardStore) AlreadyHandled(ctx context.Context, eventID, aggregateID string) (bool, error) {
	args := m.Called(ctx, eventID, aggregateID)
	return args.Bool(0), args.Error(1)
}

func (m *MockGuardStore) LastProcessedAt(ctx context.Context, consumerGroup, aggregateID string, lock LockMode) (*time.Time, error) {
	args := m.Called(ctx, consumerGroup, aggregateID, lock)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *MockGuardStore) MarkHandled(ctx context.Context, eventID, aggregateID, eventType string, at time.Time) error {
	args := m.Called(ctx, eventID, aggregateID, eventType, at)
	return args.Error(0)
}

func (m *MockGuardStore) AdvanceClock(ctx context.Context, consumerGroup, aggregateID string, ts time.Time) error {
	args := m.Called(ctx, consumerGroup, aggregateID, ts)
	return args.Error(0)
}
