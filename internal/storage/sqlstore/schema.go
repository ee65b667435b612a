package sqlstore

import (
	"context"
	"fmt"
)

// In production the schema is owned by the migration tool; EnsureTables
// exists for local development and tests.
var schemaQueries = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id       CHAR(36)     NOT NULL UNIQUE,
		event_type     VARCHAR(255) NOT NULL,
		aggregate_type VARCHAR(255) NOT NULL,
		aggregate_id   VARCHAR(255) NOT NULL,
		topic          VARCHAR(255) NOT NULL,
		payload        JSON         NOT NULL,
		headers        JSON         NULL,
		status         INT          NOT NULL DEFAULT 0 COMMENT '0 - pending, 1 - processing, 2 - published, 3 - failed',
		error_message  TEXT         NULL,
		created_at     TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		processed_at   TIMESTAMP(6) NULL,
		published_at   TIMESTAMP(6) NULL,
		INDEX idx_status_created (status, created_at),
		INDEX idx_aggregate (aggregate_type, aggregate_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS failed_publishes (
		event_id       CHAR(36)     NOT NULL PRIMARY KEY,
		event_type     VARCHAR(255) NOT NULL,
		aggregate_type VARCHAR(255) NOT NULL,
		aggregate_id   VARCHAR(255) NOT NULL,
		payload        JSON         NOT NULL,
		retry_count    INT          NOT NULL DEFAULT 0,
		last_error     TEXT         NULL,
		failed_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		next_retry_at  TIMESTAMP(6) NOT NULL,
		INDEX idx_next_retry (next_retry_at),
		INDEX idx_retry_count (retry_count)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS outbox_deadletters (
		id             BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id       CHAR(36)      NOT NULL UNIQUE,
		event_type     VARCHAR(255)  NOT NULL,
		aggregate_type VARCHAR(255)  NOT NULL,
		aggregate_id   VARCHAR(255)  NOT NULL,
		payload        JSON          NOT NULL,
		retry_count    INT           NOT NULL,
		last_error     VARCHAR(2000) NULL,
		created_at     TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS handled_events (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id     CHAR(36)     NOT NULL,
		aggregate_id VARCHAR(255) NOT NULL DEFAULT '',
		event_type   VARCHAR(255) NOT NULL,
		handled_at   TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		UNIQUE KEY uniq_event_aggregate (event_id, aggregate_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS aggregate_clocks (
		consumer_group    VARCHAR(100) NOT NULL,
		aggregate_id      VARCHAR(255) NOT NULL,
		last_processed_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (consumer_group, aggregate_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

func (s *SQLStore) EnsureTables(ctx context.Context) error {
	for _, query := range schemaQueries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
