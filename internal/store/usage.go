// ABOUTME: SQLite implementation for per-run usage tracking
// ABOUTME: Stores token counts and cost and aggregates them for reporting

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const insertUsage = `
	INSERT INTO usage (
		id, client_id, thread_id, username, agent, provider, model,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost,
		created_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUsage(ctx context.Context, db execer, u *UsageRecord) error {
	_, err := db.ExecContext(ctx, insertUsage,
		u.ID,
		nullString(u.ClientID),
		nullString(u.ThreadID),
		u.Username,
		u.Agent,
		u.Provider,
		u.Model,
		u.InputTokens,
		u.OutputTokens,
		u.CacheReadTokens,
		u.CacheWriteTokens,
		u.Cost,
		formatTime(u.CreatedAt),
	)
	return err
}

// SaveUsage stores a usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *UsageRecord) error {
	if err := execUsage(ctx, s.db, usage); err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved usage",
		"id", usage.ID,
		"thread_id", usage.ThreadID,
		"agent", usage.Agent,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// SaveUsageBatch stores records in one transaction.
func (s *SQLiteStore) SaveUsageBatch(ctx context.Context, usage []*UsageRecord) error {
	if len(usage) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning usage batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range usage {
		if err := execUsage(ctx, tx, u); err != nil {
			return fmt.Errorf("inserting usage %s: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage batch: %w", err)
	}

	s.logger.Debug("saved usage batch", "count", len(usage))
	return nil
}

// GetThreadUsage retrieves all usage records for a thread.
func (s *SQLiteStore) GetThreadUsage(ctx context.Context, threadID string) ([]*UsageRecord, error) {
	query := `
		SELECT id, client_id, thread_id, username, agent, provider, model,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost,
		       created_at
		FROM usage
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*UsageRecord
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COALESCE(SUM(cost), 0),
			COUNT(*)
		FROM usage
		WHERE 1=1
	`
	args := []any{}

	if filter.Username != nil {
		query += " AND username = ?"
		args = append(args, *filter.Username)
	}
	if filter.Agent != nil {
		query += " AND agent = ?"
		args = append(args, *filter.Agent)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalCacheRead,
		&stats.TotalCacheWrite,
		&stats.TotalCost,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}

func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var usage UsageRecord
	var clientID, threadID sql.NullString
	var createdAt string

	err := rows.Scan(
		&usage.ID,
		&clientID,
		&threadID,
		&usage.Username,
		&usage.Agent,
		&usage.Provider,
		&usage.Model,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.CacheReadTokens,
		&usage.CacheWriteTokens,
		&usage.Cost,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}
	usage.ClientID = clientID.String
	usage.ThreadID = threadID.String

	usage.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &usage, nil
}
