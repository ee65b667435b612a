// Package sqlstore implements the storage contracts on MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

const (
	tableEvents      = "outbox_events"
	tableFailures    = "failed_publishes"
	tableDeadletters = "outbox_deadletters"
	tableHandled     = "handled_events"
	tableClocks      = "aggregate_clocks"
)

const mysqlErrDuplicateEntry = 1062

// SQL query templates. Table names are substituted once at call sites.
const (
	createRecordQuery = `
		INSERT INTO %s (event_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	fetchDispatchableQuery = `
		SELECT o.id, o.event_id, o.event_type, o.aggregate_type, o.aggregate_id, o.topic, o.payload, o.headers, o.status, o.created_at
		FROM %s o
		LEFT JOIN %s f ON f.event_id = o.event_id
		WHERE o.status = ?
		   OR (o.status = ? AND f.next_retry_at <= ? AND f.retry_count < ?)
		ORDER BY o.id
		LIMIT ?`

	claimProcessingQuery = `
		UPDATE %s SET status = ?, processed_at = ?
		WHERE id = ? AND status IN (?, ?)`

	markPublishedQuery = `UPDATE %s SET status = ?, published_at = ? WHERE id = ?`

	markFailedQuery = `UPDATE %s SET status = ?, error_message = ? WHERE id = ?`

	getFailureQuery = `
		SELECT event_id, event_type, aggregate_type, aggregate_id, payload, retry_count, last_error, failed_at, next_retry_at
		FROM %s WHERE event_id = ?`

	insertFailureQuery = `
		INSERT INTO %s (event_id, event_type, aggregate_type, aggregate_id, payload, retry_count, last_error, failed_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	updateFailureQuery = `
		UPDATE %s SET retry_count = ?, next_retry_at = ?, last_error = ? WHERE event_id = ?`

	deleteFailureQuery = `DELETE FROM %s WHERE event_id = ?`

	fetchExhaustedQuery = `
		SELECT event_id, event_type, aggregate_type, aggregate_id, payload, retry_count, last_error, failed_at, next_retry_at
		FROM %s
		WHERE retry_count >= ?
		ORDER BY failed_at
		LIMIT ?`

	insertDeadLetterQuery = `
		INSERT INTO %s (event_id, event_type, aggregate_type, aggregate_id, payload, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	fetchStuckQuery = `
		SELECT o.id, o.event_id, o.event_type, o.aggregate_type, o.aggregate_id, o.topic, o.payload, o.headers, o.status, o.created_at
		FROM %s o
		WHERE o.status = ? AND o.processed_at < ?
		ORDER BY o.id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`

	resetClaimQuery = `UPDATE %s SET status = ? WHERE id = ? AND status = ?`

	alreadyHandledQuery = `SELECT 1 FROM %s WHERE event_id = ? AND aggregate_id = ? LIMIT 1`

	markHandledQuery = `
		INSERT INTO %s (event_id, aggregate_id, event_type, handled_at)
		VALUES (?, ?, ?, ?)`

	lastProcessedQuery = `
		SELECT last_processed_at FROM %s WHERE consumer_group = ? AND aggregate_id = ?`

	advanceClockQuery = `
		INSERT INTO %s (consumer_group, aggregate_id, last_processed_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE last_processed_at = GREATEST(last_processed_at, VALUES(last_processed_at))`
)

// SQLStore implements storage.Store and storage.GuardStore on MySQL.
// Writes that belong to a business transaction resolve their connection
// through the transaction-manager context getter.
type SQLStore struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
	logger *zap.Logger
}

// New creates a store on the given pool.
func New(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		getter: trmsql.DefaultCtxGetter,
		logger: logger,
	}
}

func (s *SQLStore) tr(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) CreateRecord(ctx context.Context, record *storage.OutboxRecord) error {
	query := fmt.Sprintf(createRecordQuery, tableEvents)
	_, err := s.tr(ctx).ExecContext(ctx, query,
		record.EventID,
		record.EventType,
		record.AggregateType,
		record.AggregateID,
		record.Topic,
		record.Payload,
		record.Headers,
		storage.StatusPending,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to save outbox record: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchDispatchable(ctx context.Context, batchSize int, now time.Time, maxRetryCount int) ([]storage.OutboxRecord, error) {
	query := fmt.Sprintf(fetchDispatchableQuery, tableEvents, tableFailures)
	rows, err := s.db.QueryContext(ctx, query,
		storage.StatusPending, storage.StatusFailed, now.UTC(), maxRetryCount, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatchable records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLStore) ClaimProcessing(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := fmt.Sprintf(claimProcessingQuery, tableEvents)
	res, err := s.db.ExecContext(ctx, query,
		storage.StatusProcessing, now.UTC(), id, storage.StatusPending, storage.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to claim record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	query := fmt.Sprintf(markPublishedQuery, tableEvents)
	_, err := s.db.ExecContext(ctx, query, storage.StatusPublished, at.UTC(), id)
	return err
}

func (s *SQLStore) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	query := fmt.Sprintf(markFailedQuery, tableEvents)
	_, err := s.tr(ctx).ExecContext(ctx, query, storage.StatusFailed, errorMessage, id)
	return err
}

func (s *SQLStore) GetFailure(ctx context.Context, eventID string) (*storage.FailedPublish, error) {
	query := fmt.Sprintf(getFailureQuery, tableFailures)
	row := s.tr(ctx).QueryRowContext(ctx, query, eventID)

	var f storage.FailedPublish
	err := row.Scan(&f.EventID, &f.EventType, &f.AggregateType, &f.AggregateID,
		&f.Payload, &f.RetryCount, &f.LastError, &f.FailedAt, &f.NextRetryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entry %s: %w", eventID, err)
	}
	return &f, nil
}

func (s *SQLStore) InsertFailure(ctx context.Context, failure *storage.FailedPublish) error {
	query := fmt.Sprintf(insertFailureQuery, tableFailures)
	_, err := s.tr(ctx).ExecContext(ctx, query,
		failure.EventID,
		failure.EventType,
		failure.AggregateType,
		failure.AggregateID,
		failure.Payload,
		failure.RetryCount,
		failure.LastError,
		failure.FailedAt.UTC(),
		failure.NextRetryAt.UTC(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return storage.ErrEventAlreadyExists
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateFailure(ctx context.Context, eventID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	query := fmt.Sprintf(updateFailureQuery, tableFailures)
	_, err := s.tr(ctx).ExecContext(ctx, query, retryCount, nextRetryAt.UTC(), lastError, eventID)
	return err
}

func (s *SQLStore) DeleteFailure(ctx context.Context, eventID string) error {
	query := fmt.Sprintf(deleteFailureQuery, tableFailures)
	_, err := s.db.ExecContext(ctx, query, eventID)
	return err
}

func (s *SQLStore) FetchExhaustedFailures(ctx context.Context, maxRetryCount, batchSize int) ([]storage.FailedPublish, error) {
	query := fmt.Sprintf(fetchExhaustedQuery, tableFailures)
	rows, err := s.db.QueryContext(ctx, query, maxRetryCount, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query exhausted ledger entries: %w", err)
	}
	defer rows.Close()

	var failures []storage.FailedPublish
	for rows.Next() {
		var f storage.FailedPublish
		if err := rows.Scan(&f.EventID, &f.EventType, &f.AggregateType, &f.AggregateID,
			&f.Payload, &f.RetryCount, &f.LastError, &f.FailedAt, &f.NextRetryAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func (s *SQLStore) MoveToDeadLetter(ctx context.Context, failure storage.FailedPublish) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(insertDeadLetterQuery, tableDeadletters)
	_, err = tx.ExecContext(ctx, insert,
		failure.EventID,
		failure.EventType,
		failure.AggregateType,
		failure.AggregateID,
		failure.Payload,
		failure.RetryCount,
		failure.LastError,
	)
	if err != nil && !isDuplicateEntry(err) {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	del := fmt.Sprintf(deleteFailureQuery, tableFailures)
	if _, err := tx.ExecContext(ctx, del, failure.EventID); err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) FetchStuckClaims(ctx context.Context, olderThan time.Time, batchSize int) ([]storage.OutboxRecord, error) {
	query := fmt.Sprintf(fetchStuckQuery, tableEvents)
	rows, err := s.tr(ctx).QueryContext(ctx, query, storage.StatusProcessing, olderThan.UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck claims: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLStore) ResetClaim(ctx context.Context, id int64, status int) error {
	query := fmt.Sprintf(resetClaimQuery, tableEvents)
	_, err := s.tr(ctx).ExecContext(ctx, query, status, id, storage.StatusProcessing)
	return err
}

func (s *SQLStore) AlreadyHandled(ctx context.Context, eventID, aggregateID string) (bool, error) {
	query := fmt.Sprintf(alreadyHandledQuery, tableHandled)
	var one int
	err := s.tr(ctx).QueryRowContext(ctx, query, eventID, aggregateID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check dedup ledger: %w", err)
	}
	return true, nil
}

func (s *SQLStore) LastProcessedAt(ctx context.Context, consumerGroup, aggregateID string, lock storage.LockMode) (*time.Time, error) {
	query := fmt.Sprintf(lastProcessedQuery, tableClocks)
	if lock == storage.LockRow {
		query += " FOR UPDATE"
	}
	var ts time.Time
	err := s.tr(ctx).QueryRowContext(ctx, query, consumerGroup, aggregateID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ordering clock: %w", err)
	}
	return &ts, nil
}

func (s *SQLStore) MarkHandled(ctx context.Context, eventID, aggregateID, eventType string, at time.Time) error {
	query := fmt.Sprintf(markHandledQuery, tableHandled)
	_, err := s.tr(ctx).ExecContext(ctx, query, eventID, aggregateID, eventType, at.UTC())
	if err != nil {
		if isDuplicateEntry(err) {
			return storage.ErrAlreadyHandled
		}
		return fmt.Errorf("failed to append dedup ledger: %w", err)
	}
	return nil
}

func (s *SQLStore) AdvanceClock(ctx context.Context, consumerGroup, aggregateID string, ts time.Time) error {
	query := fmt.Sprintf(advanceClockQuery, tableClocks)
	_, err := s.tr(ctx).ExecContext(ctx, query, consumerGroup, aggregateID, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance ordering clock: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]storage.OutboxRecord, error) {
	var records []storage.OutboxRecord
	for rows.Next() {
		var r storage.OutboxRecord
		if err := rows.Scan(
			&r.ID,
			&r.EventID,
			&r.EventType,
			&r.AggregateType,
			&r.AggregateID,
			&r.Topic,
			&r.Payload,
			&r.Headers,
			&r.Status,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading outbox rows: %w", err)
	}
	return records, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}
