package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/shoptraffic/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates tables and indexes if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// =============================================
// SubjectStore
// =============================================

func (s *PostgresStore) GetMechanic(ctx context.Context, id int64) (*models.Mechanic, error) {
	var m models.Mechanic
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, is_active, click_count, created_at
		FROM mechanics WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.IsActive, &m.ClickCount, &m.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mechanic: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetLinkByCode(ctx context.Context, code string) (*models.TrackingLink, error) {
	var l models.TrackingLink
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, target_url, is_active, created_at
		FROM tracking_links WHERE code = $1
	`, code).Scan(&l.ID, &l.Code, &l.Name, &l.TargetURL, &l.IsActive, &l.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking link: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM issued_codes WHERE code = $1)
		    OR EXISTS (SELECT 1 FROM tracking_links WHERE code = $1)
	`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateLink(ctx context.Context, link *models.TrackingLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO issued_codes (code) VALUES ($1)
		ON CONFLICT (code) DO NOTHING
	`, link.Code)
	if err != nil {
		return fmt.Errorf("failed to reserve code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrCodeConflict
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO tracking_links (code, name, target_url, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, link.Code, link.Name, link.TargetURL, link.IsActive).Scan(&link.ID, &link.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tracking link: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetLinkActive(ctx context.Context, code string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tracking_links SET is_active = $2 WHERE code = $1`, code, active)
	if err != nil {
		return fmt.Errorf("failed to update tracking link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %q: %w", code, models.ErrSubjectNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateLink(ctx context.Context, link *models.TrackingLink) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tracking_links SET name = $2, target_url = $3, is_active = $4
		WHERE code = $1
	`, link.Code, link.Name, link.TargetURL, link.IsActive)
	if err != nil {
		return fmt.Errorf("failed to update tracking link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link %q: %w", link.Code, models.ErrSubjectNotFound)
	}
	return nil
}

func (s *PostgresStore) ListLinks(ctx context.Context) ([]*models.TrackingLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, name, target_url, is_active, created_at
		FROM tracking_links
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking links: %w", err)
	}
	defer rows.Close()

	result := make([]*models.TrackingLink, 0)
	for rows.Next() {
		var l models.TrackingLink
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.TargetURL, &l.IsActive, &l.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

func (s *PostgresStore) TopMechanicsByCounter(ctx context.Context, limit int) ([]SubjectCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, click_count FROM mechanics
		WHERE is_active
		ORDER BY click_count DESC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to rank mechanics: %w", err)
	}
	return scanSubjectCounts(rows)
}

func (s *PostgresStore) ActiveMechanics(ctx context.Context, ids []int64) (map[int64]*models.Mechanic, error) {
	result := make(map[int64]*models.Mechanic, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active, click_count, created_at
		FROM mechanics WHERE id = ANY($1) AND is_active
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load mechanics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Mechanic
		if err := rows.Scan(&m.ID, &m.Name, &m.IsActive, &m.ClickCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		result[m.ID] = &m
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListActiveMechanics(ctx context.Context) ([]*models.Mechanic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active, click_count, created_at
		FROM mechanics WHERE is_active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mechanics: %w", err)
	}
	defer rows.Close()

	result := make([]*models.Mechanic, 0)
	for rows.Next() {
		var m models.Mechanic
		if err := rows.Scan(&m.ID, &m.Name, &m.IsActive, &m.ClickCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

// =============================================
// EventLog
// =============================================

const insertEventSQL = `
	INSERT INTO event_log (id, event_type, subject_id, occurred_at, source_address, user_agent,
		is_bot, admitted, path, referer, attribution_code, country)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

func eventArgs(e *models.EventLogEntry) []any {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return []any{
		e.ID, string(e.Type), e.SubjectID, e.OccurredAt, nullString(e.SourceAddress), nullString(e.UserAgent),
		e.IsBot, e.Admitted, nullString(e.Path), nullString(e.Referer), nullString(e.AttributionCode), nullString(e.Country),
	}
}

func (s *PostgresStore) Append(ctx context.Context, e *models.EventLogEntry) error {
	if _, err := s.pool.Exec(ctx, insertEventSQL, eventArgs(e)...); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendWithIncrement(ctx context.Context, e *models.EventLogEntry) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int64
	err = tx.QueryRow(ctx, `
		UPDATE mechanics SET click_count = click_count + 1
		WHERE id = $1 AND is_active
		RETURNING click_count
	`, e.SubjectID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("mechanic %d: %w", e.SubjectID, models.ErrSubjectNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment click count: %w", err)
	}

	if _, err := tx.Exec(ctx, insertEventSQL, eventArgs(e)...); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit click: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, f EventFilter) (int64, error) {
	where, args := buildWhere(f, nil)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM event_log`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountDistinctActors(ctx context.Context, f EventFilter) (int64, error) {
	where, args := buildWhere(f, nil)
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(DISTINCT source_address) FROM event_log`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count actors: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountBuckets(ctx context.Context, q BucketQuery) ([]BucketCount, error) {
	loc, unit := bucketParams(q)

	args := []any{loc.String()}
	where, args := buildWhere(q.Filter, args)
	query := fmt.Sprintf(`
		SELECT date_trunc('%s', occurred_at AT TIME ZONE $1) AS bucket, count(*), count(DISTINCT source_address)
		FROM event_log%s
		GROUP BY bucket
		ORDER BY bucket DESC`, unit, where)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket events: %w", err)
	}
	defer rows.Close()

	result := make([]BucketCount, 0)
	for rows.Next() {
		var wall time.Time
		var bc BucketCount
		if err := rows.Scan(&wall, &bc.Count, &bc.Actors); err != nil {
			return nil, err
		}
		bc.Start = wallToLocal(wall, loc)
		result = append(result, bc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountBucketsBySubject(ctx context.Context, q BucketQuery) ([]SubjectBucketCount, error) {
	loc, unit := bucketParams(q)

	args := []any{loc.String()}
	where, args := buildWhere(q.Filter, args)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT subject_id, date_trunc('%s', occurred_at AT TIME ZONE $1) AS bucket, count(*)
		FROM event_log%s
		GROUP BY subject_id, bucket
		ORDER BY subject_id, bucket`, unit, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket events by subject: %w", err)
	}
	defer rows.Close()

	result := make([]SubjectBucketCount, 0)
	for rows.Next() {
		var wall time.Time
		var sb SubjectBucketCount
		if err := rows.Scan(&sb.SubjectID, &wall, &sb.Count); err != nil {
			return nil, err
		}
		sb.Start = wallToLocal(wall, loc)
		result = append(result, sb)
	}
	return result, rows.Err()
}

func bucketParams(q BucketQuery) (*time.Location, string) {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	if q.Granularity == GranularityMonth {
		return loc, "month"
	}
	return loc, "day"
}

// wallToLocal reinterprets a timezone-less timestamp holding local time in
// loc as the matching instant.
func wallToLocal(wall time.Time, loc *time.Location) time.Time {
	return time.Date(wall.Year(), wall.Month(), wall.Day(), 0, 0, 0, 0, loc)
}

func (s *PostgresStore) CountBySubject(ctx context.Context, f EventFilter) ([]SubjectCount, error) {
	where, args := buildWhere(f, nil)
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id, count(*) AS n FROM event_log`+where+`
		GROUP BY subject_id
		ORDER BY n DESC, subject_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count by subject: %w", err)
	}
	return scanSubjectCounts(rows)
}

func (s *PostgresStore) TopPaths(ctx context.Context, f EventFilter, limit int) ([]PathCount, error) {
	where, args := buildWhere(f, nil)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT coalesce(path, ''), count(*) AS n FROM event_log%s
		GROUP BY path
		ORDER BY n DESC, path ASC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank paths: %w", err)
	}
	defer rows.Close()

	result := make([]PathCount, 0)
	for rows.Next() {
		var pc PathCount
		if err := rows.Scan(&pc.Path, &pc.Count); err != nil {
			return nil, err
		}
		result = append(result, pc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ReferralCounts(ctx context.Context, f EventFilter) ([]ReferralCount, error) {
	where, args := buildWhere(f, nil)
	rows, err := s.pool.Query(ctx, `
		SELECT attribution_code, count(*) AS views, count(DISTINCT source_address)
		FROM event_log`+where+` AND attribution_code IS NOT NULL AND attribution_code <> ''
		GROUP BY attribution_code
		ORDER BY views DESC, attribution_code ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count referrals: %w", err)
	}
	defer rows.Close()

	result := make([]ReferralCount, 0)
	for rows.Next() {
		var rc ReferralCount
		if err := rows.Scan(&rc.Code, &rc.Views, &rc.Visitors); err != nil {
			return nil, err
		}
		result = append(result, rc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Recent(ctx context.Context, f EventFilter, limit int) ([]*models.EventLogEntry, error) {
	where, args := buildWhere(f, nil)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, event_type, subject_id, occurred_at, source_address, user_agent,
			is_bot, admitted, path, referer, attribution_code, country
		FROM event_log%s
		ORDER BY occurred_at DESC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	result := make([]*models.EventLogEntry, 0, limit)
	for rows.Next() {
		var e models.EventLogEntry
		var eventType string
		var addr, ua, path, referer, code, country *string
		if err := rows.Scan(&e.ID, &eventType, &e.SubjectID, &e.OccurredAt, &addr, &ua,
			&e.IsBot, &e.Admitted, &path, &referer, &code, &country); err != nil {
			return nil, err
		}
		e.Type = models.EventType(eventType)
		e.SourceAddress = deref(addr)
		e.UserAgent = deref(ua)
		e.Path = deref(path)
		e.Referer = deref(referer)
		e.AttributionCode = deref(code)
		e.Country = strings.TrimSpace(deref(country))
		result = append(result, &e)
	}
	return result, rows.Err()
}

// =============================================
// ConversionStore
// =============================================

func (s *PostgresStore) AddConversion(ctx context.Context, c *models.Conversion) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversions (id, link_id, kind, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.LinkID, string(c.Kind), c.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to save conversion: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountConversions(ctx context.Context, linkID int64, kind models.ConversionKind) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM conversions
		WHERE link_id = $1 AND ($2 = '' OR kind = $2)
	`, linkID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversions: %w", err)
	}
	return n, nil
}

// =============================================
// Helpers
// =============================================

// buildWhere renders f as a WHERE clause, numbering placeholders after args.
func buildWhere(f EventFilter, args []any) (string, []any) {
	conds := make([]string, 0, 6)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if f.SubjectID != 0 {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.AttributionCode != "" {
		add("attribution_code = $%d", f.AttributionCode)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until)
	}
	if !f.IncludeSuppressed {
		conds = append(conds, "admitted")
	}
	if len(conds) == 0 {
		return " WHERE TRUE", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanSubjectCounts(rows pgx.Rows) ([]SubjectCount, error) {
	defer rows.Close()
	result := make([]SubjectCount, 0)
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.SubjectID, &sc.Count); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
