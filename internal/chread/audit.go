package chread

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse pipeline_audit table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// AuditRow represents a single row from the pipeline_audit table.
type AuditRow struct {
	ID        string
	Timestamp time.Time
	Kind      string
	EventID   string
	LinkID    string
	Signposts []string
	Preset    string
	Actor     string
	Reason    string
	Detail    string
	Score     float64
}

const auditColumns = "id, timestamp, kind, event_id, link_id, signposts, preset, actor, reason, detail, score"

func scanDest(a *AuditRow) []any {
	return []any{&a.ID, &a.Timestamp, &a.Kind, &a.EventID, &a.LinkID, &a.Signposts,
		&a.Preset, &a.Actor, &a.Reason, &a.Detail, &a.Score}
}

// ListAuditParams holds filters and pagination for audit listing.
type ListAuditParams struct {
	Kind      *string
	EventID   *string
	Signpost  *string
	Preset    *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

func (p ListAuditParams) where() (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if p.Kind != nil {
		conditions = append(conditions, "kind = @kind")
		args = append(args, clickhouse.Named("kind", *p.Kind))
	}
	if p.EventID != nil {
		conditions = append(conditions, "event_id = @event_id")
		args = append(args, clickhouse.Named("event_id", *p.EventID))
	}
	if p.Signpost != nil {
		conditions = append(conditions, "has(signposts, @signpost)")
		args = append(args, clickhouse.Named("signpost", *p.Signpost))
	}
	if p.Preset != nil {
		conditions = append(conditions, "preset = @preset")
		args = append(args, clickhouse.Named("preset", *p.Preset))
	}
	if p.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *p.StartTime))
	}
	if p.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *p.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

func (p ListAuditParams) page() (limit, offset int) {
	limit = p.PageSize
	if limit <= 0 {
		limit = 50
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// ListAudit returns paginated, filtered audit rows and the total count.
func (r *Reader) ListAudit(ctx context.Context, params ListAuditParams) ([]AuditRow, int, error) {
	where, args := params.where()
	limit, offset := params.page()

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM pipeline_audit WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListAudit count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM pipeline_audit WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		auditColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(limit)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListAudit query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRow
	for rows.Next() {
		var a AuditRow
		if err := rows.Scan(scanDest(&a)...); err != nil {
			return nil, 0, fmt.Errorf("ListAudit scan: %w", err)
		}
		out = append(out, a)
	}
	return out, int(total), rows.Err()
}

// GetAudit returns a single audit row by ID, or nil if not found.
func (r *Reader) GetAudit(ctx context.Context, id string) (*AuditRow, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+auditColumns+" FROM pipeline_audit WHERE id = @id",
		clickhouse.Named("id", id),
	)

	var a AuditRow
	if err := row.Scan(scanDest(&a)...); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetAudit: %w", err)
	}
	if a.ID == "" {
		return nil, nil
	}
	return &a, nil
}

// KindCount holds an audit kind and its count.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// DayBucket holds a daily count.
type DayBucket struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// ActivitySummary aggregates audit activity over a window.
type ActivitySummary struct {
	ByKind            []KindCount `json:"by_kind"`
	RetractionsPerDay []DayBucket `json:"retractions_per_day"`
}

// Summary returns per-kind counts and daily retractions over the given number of days.
func (r *Reader) Summary(ctx context.Context, days int) (*ActivitySummary, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	result := &ActivitySummary{ByKind: []KindCount{}, RetractionsPerDay: []DayBucket{}}

	kindRows, err := r.conn.Query(ctx,
		"SELECT kind, count() AS count FROM pipeline_audit "+
			"WHERE timestamp >= @range_start GROUP BY kind ORDER BY count DESC",
		clickhouse.Named("range_start", rangeStart),
	)
	if err != nil {
		return nil, fmt.Errorf("Summary by_kind: %w", err)
	}
	defer func() { _ = kindRows.Close() }()
	for kindRows.Next() {
		var kind string
		var count uint64
		if err := kindRows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("Summary by_kind scan: %w", err)
		}
		result.ByKind = append(result.ByKind, KindCount{Kind: kind, Count: int(count)})
	}

	dayRows, err := r.conn.Query(ctx,
		"SELECT toDate(timestamp) AS day, count() AS count FROM pipeline_audit "+
			"WHERE kind = 'retract' AND timestamp >= @range_start GROUP BY day ORDER BY day",
		clickhouse.Named("range_start", rangeStart),
	)
	if err != nil {
		return nil, fmt.Errorf("Summary retractions: %w", err)
	}
	defer func() { _ = dayRows.Close() }()
	for dayRows.Next() {
		var day time.Time
		var count uint64
		if err := dayRows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("Summary retractions scan: %w", err)
		}
		result.RetractionsPerDay = append(result.RetractionsPerDay, DayBucket{
			Day: day.Format(time.DateOnly), Count: int(count),
		})
	}

	return result, nil
}
