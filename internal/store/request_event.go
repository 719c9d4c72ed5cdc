package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

// eventRepo implements EventRepo on the request_events table.
type eventRepo struct {
	db  *sql.DB
	seq *sequences
}

func (r *eventRepo) AppendRequest(ctx context.Context, data RequestEventData) error {
	seqNum, err := r.seq.Next(ctx, seqRequestEvents)
	if err != nil {
		return err
	}

	query, args := builder().
		Insert("request_events").
		Columns("sequence", "timestamp", "operation", "status", "latency_ms", "success", "error_message").
		Values(seqNum, time.Now().UnixNano(), data.Operation, data.Status, data.LatencyMs, data.Success, data.ErrorMessage).
		Query()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save request event: %w", err)
	}
	return nil
}

func (r *eventRepo) QueryRequests(ctx context.Context, opts QueryOpts) ([]RequestEventRecord, error) {
	sel := builder().
		Select("id", "sequence", "timestamp", "operation", "status", "latency_ms", "success", "error_message").
		From(entsql.Table("request_events"))

	var preds []*entsql.Predicate
	if opts.After > 0 {
		preds = append(preds, entsql.GT("sequence", opts.After))
	}
	if opts.Operation != "" {
		preds = append(preds, entsql.EQ("operation", opts.Operation))
	}
	if !opts.From.IsZero() {
		preds = append(preds, entsql.GTE("timestamp", opts.From.UnixNano()))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy("sequence")
	if opts.Limit > 0 {
		sel.Limit(opts.Limit)
	}

	query, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query request events: %w", err)
	}
	defer rows.Close()

	var out []RequestEventRecord
	for rows.Next() {
		var (
			rec RequestEventRecord
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Sequence, &ts, &rec.Operation, &rec.Status,
			&rec.LatencyMs, &rec.Success, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan request event: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *eventRepo) RequestStats(ctx context.Context) ([]RequestStats, error) {
	query, args := builder().
		Select(
			"operation",
			entsql.As(entsql.Count("*"), "total"),
			entsql.As("SUM(CASE WHEN success THEN 0 ELSE 1 END)", "failures"),
			entsql.As("AVG(latency_ms)", "avg_latency"),
		).
		From(entsql.Table("request_events")).
		GroupBy("operation").
		OrderBy("operation").
		Query()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query request stats: %w", err)
	}
	defer rows.Close()

	var out []RequestStats
	for rows.Next() {
		var s RequestStats
		if err := rows.Scan(&s.Operation, &s.Total, &s.Failures, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan request stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
