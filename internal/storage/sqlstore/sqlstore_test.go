package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

func newTestStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop()), mock
}

var duplicateEntryErr = &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

func TestSQLStore_CreateRecord(t *testing.T) {
	store, mock := newTestStore(t)

	record := &storage.OutboxRecord{
		EventID:       "ev-1",
		EventType:     "product.like.created.v1",
		AggregateType: "product",
		AggregateID:   "p-1",
		Topic:         "like-events",
		Payload:       []byte(`{}`),
	}

	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs("ev-1", "product.like.created.v1", "product", "p-1", "like-events", []byte(`{}`), nil, storage.StatusPending).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateRecord(context.Background(), record)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateRecord_DuplicateEventID(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO outbox_events").WillReturnError(duplicateEntryErr)

	err := store.CreateRecord(context.Background(), &storage.OutboxRecord{EventID: "ev-1"})
	assert.ErrorIs(t, err, storage.ErrEventAlreadyExists)
}

func TestSQLStore_FetchDispatchable(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Minute)

	rows := sqlmock.NewRows([]string{
		"id", "event_id", "event_type", "aggregate_type", "aggregate_id",
		"topic", "payload", "headers", "status", "created_at",
	}).
		AddRow(1, "ev-1", "product.like.created.v1", "product", "p-1", "like-events", []byte(`{}`), nil, storage.StatusPending, created).
		AddRow(2, "ev-2", "product.view.occurred.v1", "product", "p-2", "view-events", []byte(`{}`), nil, storage.StatusFailed, created)

	mock.ExpectQuery("SELECT (.+) FROM outbox_events o").
		WithArgs(storage.StatusPending, storage.StatusFailed, now, 10, 100).
		WillReturnRows(rows)

	records, err := store.FetchDispatchable(context.Background(), 100, now, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, "ev-2", records[1].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimProcessing(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE outbox_events SET status").
		WithArgs(storage.StatusProcessing, now, int64(1), storage.StatusPending, storage.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.ClaimProcessing(context.Background(), 1, now)
	assert.NoError(t, err)
	assert.True(t, claimed)
}

func TestSQLStore_ClaimProcessing_Lost(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE outbox_events SET status").
		WithArgs(storage.StatusProcessing, now, int64(1), storage.StatusPending, storage.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := store.ClaimProcessing(context.Background(), 1, now)
	assert.NoError(t, err)
	assert.False(t, claimed, "zero affected rows means another relay holds the claim")
}

func TestSQLStore_GetFailure_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM failed_publishes").
		WithArgs("ev-404").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}))

	failure, err := store.GetFailure(context.Background(), "ev-404")
	assert.NoError(t, err)
	assert.Nil(t, failure)
}

func TestSQLStore_GetFailure(t *testing.T) {
	store, mock := newTestStore(t)
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"event_id", "event_type", "aggregate_type", "aggregate_id",
		"payload", "retry_count", "last_error", "failed_at", "next_retry_at",
	}).AddRow("ev-1", "product.like.created.v1", "product", "p-1", []byte(`{}`), 3, "broker down", failedAt, failedAt.Add(8*time.Second))

	mock.ExpectQuery("SELECT (.+) FROM failed_publishes").
		WithArgs("ev-1").
		WillReturnRows(rows)

	failure, err := store.GetFailure(context.Background(), "ev-1")
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, 3, failure.RetryCount)
	assert.Equal(t, "broker down", failure.LastError)
}

func TestSQLStore_MoveToDeadLetter(t *testing.T) {
	store, mock := newTestStore(t)

	failure := storage.FailedPublish{
		EventID:   "ev-1",
		EventType: "product.like.created.v1",
		Payload:   []byte(`{}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_deadletters").
		WithArgs("ev-1", "product.like.created.v1", "", "", []byte(`{}`), 0, "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM failed_publishes").
		WithArgs("ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MoveToDeadLetter(context.Background(), failure)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MoveToDeadLetter_DuplicateIsIgnored(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_deadletters").WillReturnError(duplicateEntryErr)
	mock.ExpectExec("DELETE FROM failed_publishes").
		WithArgs("ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MoveToDeadLetter(context.Background(), storage.FailedPublish{EventID: "ev-1"})
	assert.NoError(t, err, "a retried move must not fail on the existing dead letter")
}

func TestSQLStore_AlreadyHandled(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT 1 FROM handled_events").
		WithArgs("ev-1", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	handled, err := store.AlreadyHandled(context.Background(), "ev-1", "p-1")
	assert.NoError(t, err)
	assert.True(t, handled)
}

func TestSQLStore_AlreadyHandled_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT 1 FROM handled_events").
		WithArgs("ev-404", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	handled, err := store.AlreadyHandled(context.Background(), "ev-404", "p-1")
	assert.NoError(t, err)
	assert.False(t, handled)
}

func TestSQLStore_MarkHandled_Duplicate(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO handled_events").WillReturnError(duplicateEntryErr)

	err := store.MarkHandled(context.Background(), "ev-1", "p-1", "product.like.created.v1", time.Now())
	assert.ErrorIs(t, err, storage.ErrAlreadyHandled)
}

func TestSQLStore_LastProcessedAt_NoClockYet(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT last_processed_at FROM aggregate_clocks").
		WithArgs("ranking-aggregation", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_at"}))

	ts, err := store.LastProcessedAt(context.Background(), "ranking-aggregation", "p-1", storage.LockNone)
	assert.NoError(t, err)
	assert.Nil(t, ts)
}

func TestSQLStore_LastProcessedAt_RowLock(t *testing.T) {
	store, mock := newTestStore(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT last_processed_at FROM aggregate_clocks (.+) FOR UPDATE").
		WithArgs("ranking-aggregation", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_at"}).AddRow(clock))

	ts, err := store.LastProcessedAt(context.Background(), "ranking-aggregation", "p-1", storage.LockRow)
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, clock.Equal(*ts))
}

func TestSQLStore_AdvanceClock(t *testing.T) {
	store, mock := newTestStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO aggregate_clocks (.+) ON DUPLICATE KEY UPDATE last_processed_at = GREATEST").
		WithArgs("ranking-aggregation", "p-1", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AdvanceClock(context.Background(), "ranking-aggregation", "p-1", ts)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ResetClaim(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE outbox_events SET status").
		WithArgs(storage.StatusPending, int64(7), storage.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.ResetClaim(context.Background(), 7, storage.StatusPending)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
