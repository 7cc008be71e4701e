package audit

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^session_events_\d{8}$`)

// RetentionManager creates the daily partitions session_events needs ahead
// of time and drops ones older than the configured retention window. The
// create/drop/refresh sequencing is the same daily-maintenance shape this
// engine's reference material uses for its own event table.
type RetentionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewRetentionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *RetentionManager {
	return &RetentionManager{
		pool:          pool,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
	}
}

func (rm *RetentionManager) Run(ctx context.Context) error {
	if err := rm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := rm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	if err := rm.RefreshSummary(ctx); err != nil {
		return fmt.Errorf("refreshing session summary: %w", err)
	}
	return nil
}

// RefreshSummary refreshes the session_summary materialized view, which
// rolls up event counts per neighbor per day for dashboards.
func (rm *RetentionManager) RefreshSummary(ctx context.Context) error {
	_, err := rm.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY session_summary")
	if err != nil {
		rm.logger.Warn("failed to refresh session_summary (may not exist yet)", zap.Error(err))
	}
	return nil
}

// CreatePartitions creates daily partitions for today and tomorrow using
// the configured timezone.
func (rm *RetentionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(rm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", rm.timezone, err)
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	if err := rm.createPartition(ctx, today, tomorrow); err != nil {
		return err
	}
	return rm.createPartition(ctx, tomorrow, dayAfter)
}

func (rm *RetentionManager) createPartition(ctx context.Context, from, to time.Time) error {
	name := fmt.Sprintf("session_events_%s", from.Format("20060102"))
	safeName := pgx.Identifier{name}.Sanitize()
	fromStr := from.UTC().Format("2006-01-02 15:04:05+00")
	toStr := to.UTC().Format("2006-01-02 15:04:05+00")

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF session_events FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, fromStr, toStr,
	)
	if _, err := rm.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	rm.logger.Info("partition ensured", zap.String("partition", name))

	safeIdx := pgx.Identifier{fmt.Sprintf("idx_%s_neighbor_kind", name)}.Sanitize()
	idxSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (neighbor, kind, occurred_at DESC)`,
		safeIdx, safeName,
	)
	if _, err := rm.pool.Exec(ctx, idxSQL); err != nil {
		return fmt.Errorf("creating neighbor_kind index on %s: %w", name, err)
	}
	return nil
}

// DropOldPartitions drops partitions older than the configured retention
// period.
func (rm *RetentionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(rm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", rm.timezone, err)
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -rm.retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	rows, err := rm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'session_events'::regclass`)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning partition name: %w", err)
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating partitions: %w", err)
	}

	for _, name := range partitions {
		if !validPartitionName.MatchString(name) {
			rm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}

		dateStr := name[len(name)-8:]
		partDate, err := time.ParseInLocation("20060102", dateStr, loc)
		if err != nil {
			rm.logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}

		if partDate.Before(cutoffDate) {
			safeName := pgx.Identifier{name}.Sanitize()
			dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", safeName)
			if _, err := rm.pool.Exec(ctx, dropSQL); err != nil {
				return fmt.Errorf("dropping partition %s: %w", name, err)
			}
			rm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoffDate))
		}
	}

	return nil
}
