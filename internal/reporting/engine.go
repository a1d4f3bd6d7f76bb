// Package reporting answers traffic statistics queries from the event log.
// It never writes.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Period selects the ranking source for TopN.
type Period string

const (
	// PeriodRealtime ranks by the lifetime denormalized counter.
	PeriodRealtime Period = "realtime"
	// PeriodDaily ranks by log entries over the last N calendar days.
	PeriodDaily Period = "daily"
	// PeriodMonthly ranks by log entries over the last N calendar months.
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodRealtime, PeriodDaily, PeriodMonthly:
		return true
	}
	return false
}

// Order is the direction of a time series.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"

	recentClickLimit = 10
	topPageLimit     = 5
)

// Config holds engine tuning.
type Config struct {
	// Location is the reporting timezone for calendar buckets.
	Location *time.Location
	// DailyCap bounds the number of buckets in a daily series.
	DailyCap     int
	DefaultLimit int
	MaxLimit     int
}

// Engine aggregates the event log into series, rankings and funnels.
type Engine struct {
	store  storage.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store storage.Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 30
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// =============================================
// RESULT TYPES
// =============================================

// DailyPoint is the count for one calendar day.
type DailyPoint struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// MonthlyPoint is the count for one calendar month.
type MonthlyPoint struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

// RankedMechanic is one row of a TopN ranking.
type RankedMechanic struct {
	MechanicID int64  `json:"id"`
	Name       string `json:"name"`
	ClickCount int64  `json:"clickCount"`
}

// =============================================
// CORE QUERIES
// =============================================

// DailySeries counts admitted events per calendar day in the reporting
// timezone, keeping only the most recent DailyCap days that have events.
func (e *Engine) DailySeries(ctx context.Context, filter storage.EventFilter, since time.Time, order Order) ([]DailyPoint, error) {
	filter.Since = since
	return e.dailySeries(ctx, filter, e.cfg.DailyCap, order)
}

func (e *Engine) dailySeries(ctx context.Context, filter storage.EventFilter, limit int, order Order) ([]DailyPoint, error) {
	buckets, err := e.dailyBuckets(ctx, filter, limit)
	if err != nil {
		return nil, err
	}

	points := make([]DailyPoint, len(buckets))
	for i, b := range buckets {
		points[i] = DailyPoint{Date: b.Start.In(e.cfg.Location).Format(dateLayout), Count: b.Count}
	}
	if order == OldestFirst {
		reverse(points)
	}
	return points, nil
}

func (e *Engine) dailyBuckets(ctx context.Context, filter storage.EventFilter, limit int) ([]storage.BucketCount, error) {
	buckets, err := e.store.CountBuckets(ctx, storage.BucketQuery{
		Filter:      filter,
		Granularity: storage.GranularityDay,
		Location:    e.cfg.Location,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("daily series: %w", err)
	}
	return buckets, nil
}

// MonthlySeries counts admitted events per calendar month over the current
// month and the months-1 before it, oldest first.
func (e *Engine) MonthlySeries(ctx context.Context, filter storage.EventFilter, months int) ([]MonthlyPoint, error) {
	if months <= 0 {
		months = 1
	}
	filter.Since = e.MonthsAgo(months)
	buckets, err := e.store.CountBuckets(ctx, storage.BucketQuery{
		Filter:      filter,
		Granularity: storage.GranularityMonth,
		Location:    e.cfg.Location,
		Limit:       months,
	})
	if err != nil {
		return nil, fmt.Errorf("monthly series: %w", err)
	}

	points := make([]MonthlyPoint, len(buckets))
	for i, b := range buckets {
		points[i] = MonthlyPoint{Month: b.Start.In(e.cfg.Location).Format(monthLayout), Count: b.Count}
	}
	reverse(points)
	return points, nil
}

// TopN ranks active mechanics. Realtime reads the lifetime counter; daily and
// monthly count log entries over the last window days or months. Ties go to
// the lower id. The result is never nil.
func (e *Engine) TopN(ctx context.Context, period Period, limit, window int) ([]RankedMechanic, error) {
	limit = e.ClampLimit(limit)

	switch period {
	case PeriodRealtime:
		return e.topByCounter(ctx, limit)
	case PeriodDaily:
		return e.topByLog(ctx, e.DaysAgo(window), time.Time{}, limit)
	case PeriodMonthly:
		return e.topByLog(ctx, e.MonthsAgo(window), time.Time{}, limit)
	default:
		return nil, fmt.Errorf("period %q: %w", period, models.ErrInvalidInput)
	}
}

func (e *Engine) topByCounter(ctx context.Context, limit int) ([]RankedMechanic, error) {
	counts, err := e.store.TopMechanicsByCounter(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top by counter: %w", err)
	}
	return e.rank(ctx, counts, limit)
}

// TopNForMonth ranks active mechanics by clicks logged during one calendar
// month in the reporting timezone.
func (e *Engine) TopNForMonth(ctx context.Context, year, month, limit int) ([]RankedMechanic, error) {
	since, until, err := e.MonthWindow(year, month)
	if err != nil {
		return nil, err
	}
	return e.topByLog(ctx, since, until, e.ClampLimit(limit))
}

func (e *Engine) topByLog(ctx context.Context, since, until time.Time, limit int) ([]RankedMechanic, error) {
	counts, err := e.store.CountBySubject(ctx, storage.EventFilter{
		Type:  models.EventMechanicClick,
		Since: since,
		Until: until,
	})
	if err != nil {
		return nil, fmt.Errorf("top by log: %w", err)
	}
	return e.rank(ctx, counts, limit)
}

// rank attaches names, drops mechanics that are no longer active and cuts
// to limit. counts must already be in ranking order.
func (e *Engine) rank(ctx context.Context, counts []storage.SubjectCount, limit int) ([]RankedMechanic, error) {
	result := make([]RankedMechanic, 0, limit)
	if len(counts) == 0 {
		return result, nil
	}

	ids := make([]int64, len(counts))
	for i, c := range counts {
		ids[i] = c.SubjectID
	}
	active, err := e.store.ActiveMechanics(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve mechanics: %w", err)
	}

	for _, c := range counts {
		m, ok := active[c.SubjectID]
		if !ok {
			continue
		}
		result = append(result, RankedMechanic{MechanicID: m.ID, Name: m.Name, ClickCount: c.Count})
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// UniqueActors counts distinct source addresses among admitted events of
// one subject. A zero since means all time.
func (e *Engine) UniqueActors(ctx context.Context, t models.EventType, subjectID int64, since time.Time) (int64, error) {
	n, err := e.store.CountDistinctActors(ctx, storage.EventFilter{
		Type:      t,
		SubjectID: subjectID,
		Since:     since,
	})
	if err != nil {
		return 0, fmt.Errorf("unique actors: %w", err)
	}
	return n, nil
}

// ConversionRate is inquiries per unique link visitor as a percentage,
// rounded to one decimal. It is zero when the link has no visitors.
func (e *Engine) ConversionRate(ctx context.Context, linkID int64) (decimal.Decimal, error) {
	unique, err := e.UniqueActors(ctx, models.EventLinkClick, linkID, time.Time{})
	if err != nil {
		return decimal.Zero, err
	}
	inquiries, err := e.store.CountConversions(ctx, linkID, models.ConversionInquiry)
	if err != nil {
		return decimal.Zero, fmt.Errorf("count conversions: %w", err)
	}
	return Rate(inquiries, unique), nil
}

// Rate returns part/whole*100 rounded to one decimal, or zero for an empty
// whole.
func Rate(part, whole int64) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(whole)).
		Round(1)
}

// =============================================
// WINDOWS
// =============================================

// DaysAgo returns midnight, in the reporting timezone, of the first day of a
// window of days calendar days ending today. days <= 1 means today only.
func (e *Engine) DaysAgo(days int) time.Time {
	if days < 1 {
		days = 1
	}
	today := storage.BucketStart(e.now(), storage.GranularityDay, e.cfg.Location)
	return today.AddDate(0, 0, -(days - 1))
}

// MonthsAgo returns the first instant of a window of months calendar months
// ending with the current one.
func (e *Engine) MonthsAgo(months int) time.Time {
	if months < 1 {
		months = 1
	}
	first := storage.BucketStart(e.now(), storage.GranularityMonth, e.cfg.Location)
	return first.AddDate(0, -(months - 1), 0)
}

// MonthWindow returns the half-open bounds of a calendar month in the
// reporting timezone.
func (e *Engine) MonthWindow(year, month int) (time.Time, time.Time, error) {
	if year < 1970 || year > 9999 || month < 1 || month > 12 {
		return time.Time{}, time.Time{}, fmt.Errorf("month %d-%d: %w", year, month, models.ErrInvalidInput)
	}
	since := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, e.cfg.Location)
	return since, since.AddDate(0, 1, 0), nil
}

// ClampLimit applies the default and maximum ranking sizes.
func (e *Engine) ClampLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		return e.cfg.MaxLimit
	}
	return limit
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
