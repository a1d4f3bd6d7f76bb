package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"github.com/shopspring/decimal"
)

// Rounded is a one-decimal figure that marshals as a bare JSON number.
type Rounded struct {
	decimal.Decimal
}

func round1(d decimal.Decimal) Rounded {
	return Rounded{d.Round(1)}
}

// MarshalJSON implements json.Marshaler.
func (r Rounded) MarshalJSON() ([]byte, error) {
	return []byte(r.Decimal.Round(1).String()), nil
}

// LinkStats is the lifetime funnel of one tracking link.
type LinkStats struct {
	ID             int64     `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	TargetURL      string    `json:"targetUrl"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	TotalClicks    int64     `json:"totalClicks"`
	UniqueClicks   int64     `json:"uniqueClicks"`
	Inquiries      int64     `json:"totalInquiries"`
	Signups        int64     `json:"totalSignups"`
	ConversionRate Rounded   `json:"conversionRate"`
}

// LinkSummary is the funnel for one tracking link plus its recent clicks.
type LinkSummary struct {
	LinkStats
	DailyClicks []DailyPoint `json:"dailyClicks"`
}

// SiteSummary describes page traffic over a window.
type SiteSummary struct {
	TotalPageViews int64        `json:"totalPageViews"`
	UniqueVisitors int64        `json:"uniqueVisitors"`
	AvgViewsPerDay Rounded      `json:"avgViewsPerDay"`
	DailyStats     []DailyPoint `json:"dailyStats"`
	TopPages       []PageStat   `json:"topPages"`
}

// TrafficPoint is page traffic in one calendar bucket.
type TrafficPoint struct {
	Period   string `json:"period"`
	Views    int64  `json:"views"`
	Visitors int64  `json:"visitors"`
}

// SiteMonthlySummary describes page traffic per calendar month.
type SiteMonthlySummary struct {
	TotalPageViews   int64          `json:"totalPageViews"`
	UniqueVisitors   int64          `json:"uniqueVisitors"`
	AvgViewsPerMonth Rounded        `json:"avgViewsPerMonth"`
	MonthlyStats     []TrafficPoint `json:"monthlyStats"`
	TopPages         []PageStat     `json:"topPages"`
}

// MechanicMonthly is the monthly click series of one active mechanic.
type MechanicMonthly struct {
	MechanicID    int64          `json:"id"`
	Name          string         `json:"name"`
	MonthlyClicks []MonthlyPoint `json:"monthlyClicks"`
}

// PageStat is the view count of one path.
type PageStat struct {
	Path  string `json:"path"`
	Views int64  `json:"views"`
}

// ReferralStat summarises page traffic arriving with one attribution code.
type ReferralStat struct {
	Code     string `json:"refCode"`
	Views    int64  `json:"views"`
	Visitors int64  `json:"visitors"`
	Signups  int64  `json:"signups"`
}

// MechanicClickStats is the click history of one mechanic.
type MechanicClickStats struct {
	MechanicID  int64                   `json:"mechanicId"`
	TotalClicks int64                   `json:"totalClicks"`
	DailyStats  []DailyPoint            `json:"dailyStats"`
	RecentLogs  []*models.EventLogEntry `json:"recentLogs"`
}

// LinkSummary reports clicks and conversions for the link with code. Unique
// clicks and the conversion rate are lifetime figures; the daily series
// covers the capped recent window.
func (e *Engine) LinkSummary(ctx context.Context, code string) (*LinkSummary, error) {
	link, err := e.store.GetLinkByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	if link == nil {
		return nil, fmt.Errorf("link %q: %w", code, models.ErrSubjectNotFound)
	}

	stats, err := e.linkStats(ctx, link)
	if err != nil {
		return nil, err
	}
	summary := &LinkSummary{LinkStats: *stats}

	filter := storage.EventFilter{Type: models.EventLinkClick, SubjectID: link.ID}
	if summary.DailyClicks, err = e.DailySeries(ctx, filter, e.DaysAgo(e.cfg.DailyCap), NewestFirst); err != nil {
		return nil, err
	}
	return summary, nil
}

// LinkList reports the lifetime funnel of every tracking link, newest first.
func (e *Engine) LinkList(ctx context.Context) ([]LinkStats, error) {
	links, err := e.store.ListLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	result := make([]LinkStats, 0, len(links))
	for _, link := range links {
		stats, err := e.linkStats(ctx, link)
		if err != nil {
			return nil, err
		}
		result = append(result, *stats)
	}
	return result, nil
}

func (e *Engine) linkStats(ctx context.Context, link *models.TrackingLink) (*LinkStats, error) {
	stats := &LinkStats{
		ID:        link.ID,
		Code:      link.Code,
		Name:      link.Name,
		TargetURL: link.TargetURL,
		IsActive:  link.IsActive,
		CreatedAt: link.CreatedAt,
	}

	var err error
	filter := storage.EventFilter{Type: models.EventLinkClick, SubjectID: link.ID}
	if stats.TotalClicks, err = e.store.CountEvents(ctx, filter); err != nil {
		return nil, fmt.Errorf("count link clicks: %w", err)
	}
	if stats.UniqueClicks, err = e.UniqueActors(ctx, models.EventLinkClick, link.ID, time.Time{}); err != nil {
		return nil, err
	}
	if stats.Inquiries, err = e.store.CountConversions(ctx, link.ID, models.ConversionInquiry); err != nil {
		return nil, fmt.Errorf("count inquiries: %w", err)
	}
	if stats.Signups, err = e.store.CountConversions(ctx, link.ID, models.ConversionSignup); err != nil {
		return nil, fmt.Errorf("count signups: %w", err)
	}
	stats.ConversionRate = round1(Rate(stats.Inquiries, stats.UniqueClicks))
	return stats, nil
}

// SiteSummary reports admitted page views over the last days calendar days.
// days <= 0 means all time.
func (e *Engine) SiteSummary(ctx context.Context, days int) (*SiteSummary, error) {
	filter := storage.EventFilter{Type: models.EventPageView}
	if days > 0 {
		filter.Since = e.DaysAgo(days)
	}
	return e.siteSummary(ctx, filter, e.cfg.DailyCap)
}

// SiteMonth reports admitted page views during one calendar month.
func (e *Engine) SiteMonth(ctx context.Context, year, month int) (*SiteSummary, error) {
	since, until, err := e.MonthWindow(year, month)
	if err != nil {
		return nil, err
	}
	filter := storage.EventFilter{Type: models.EventPageView, Since: since, Until: until}
	// a month never spans more than 31 day buckets
	return e.siteSummary(ctx, filter, 31)
}

func (e *Engine) siteSummary(ctx context.Context, filter storage.EventFilter, dailyLimit int) (*SiteSummary, error) {
	var (
		s   SiteSummary
		err error
	)
	if s.TotalPageViews, err = e.store.CountEvents(ctx, filter); err != nil {
		return nil, fmt.Errorf("count page views: %w", err)
	}
	if s.UniqueVisitors, err = e.store.CountDistinctActors(ctx, filter); err != nil {
		return nil, fmt.Errorf("count visitors: %w", err)
	}
	if s.DailyStats, err = e.dailySeries(ctx, filter, dailyLimit, OldestFirst); err != nil {
		return nil, err
	}
	if s.TopPages, err = e.topPages(ctx, filter); err != nil {
		return nil, err
	}

	// averaged over days that saw traffic
	if n := len(s.DailyStats); n > 0 {
		s.AvgViewsPerDay = round1(decimal.NewFromInt(s.TotalPageViews).Div(decimal.NewFromInt(int64(n))))
	}
	return &s, nil
}

// SiteMonthly reports page views and visitors per calendar month over the
// current month and the months-1 before it, oldest first.
func (e *Engine) SiteMonthly(ctx context.Context, months int) (*SiteMonthlySummary, error) {
	if months <= 0 {
		months = 1
	}
	filter := storage.EventFilter{Type: models.EventPageView, Since: e.MonthsAgo(months)}

	var (
		s   SiteMonthlySummary
		err error
	)
	if s.TotalPageViews, err = e.store.CountEvents(ctx, filter); err != nil {
		return nil, fmt.Errorf("count page views: %w", err)
	}
	if s.UniqueVisitors, err = e.store.CountDistinctActors(ctx, filter); err != nil {
		return nil, fmt.Errorf("count visitors: %w", err)
	}

	buckets, err := e.store.CountBuckets(ctx, storage.BucketQuery{
		Filter:      filter,
		Granularity: storage.GranularityMonth,
		Location:    e.cfg.Location,
		Limit:       months,
	})
	if err != nil {
		return nil, fmt.Errorf("monthly traffic: %w", err)
	}
	s.MonthlyStats = trafficPoints(buckets, monthLayout, e.cfg.Location)

	if s.TopPages, err = e.topPages(ctx, filter); err != nil {
		return nil, err
	}
	if n := len(s.MonthlyStats); n > 0 {
		s.AvgViewsPerMonth = round1(decimal.NewFromInt(s.TotalPageViews).Div(decimal.NewFromInt(int64(n))))
	}
	return &s, nil
}

// MechanicsMonthly reports the monthly click series of every active
// mechanic, ordered by id. Mechanics without clicks carry an empty series.
func (e *Engine) MechanicsMonthly(ctx context.Context, months int) ([]MechanicMonthly, error) {
	if months <= 0 {
		months = 1
	}
	mechanics, err := e.store.ListActiveMechanics(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	buckets, err := e.store.CountBucketsBySubject(ctx, storage.BucketQuery{
		Filter:      storage.EventFilter{Type: models.EventMechanicClick, Since: e.MonthsAgo(months)},
		Granularity: storage.GranularityMonth,
		Location:    e.cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("mechanic monthly clicks: %w", err)
	}

	series := make(map[int64][]MonthlyPoint)
	for _, b := range buckets {
		series[b.SubjectID] = append(series[b.SubjectID], MonthlyPoint{
			Month: b.Start.In(e.cfg.Location).Format(monthLayout),
			Count: b.Count,
		})
	}

	result := make([]MechanicMonthly, len(mechanics))
	for i, m := range mechanics {
		points := series[m.ID]
		if points == nil {
			points = []MonthlyPoint{}
		}
		result[i] = MechanicMonthly{MechanicID: m.ID, Name: m.Name, MonthlyClicks: points}
	}
	return result, nil
}

func (e *Engine) topPages(ctx context.Context, filter storage.EventFilter) ([]PageStat, error) {
	paths, err := e.store.TopPaths(ctx, filter, topPageLimit)
	if err != nil {
		return nil, fmt.Errorf("top pages: %w", err)
	}
	pages := make([]PageStat, len(paths))
	for i, p := range paths {
		pages[i] = PageStat{Path: p.Path, Views: p.Count}
	}
	return pages, nil
}

// trafficPoints converts newest-first buckets into an oldest-first series.
func trafficPoints(buckets []storage.BucketCount, layout string, loc *time.Location) []TrafficPoint {
	points := make([]TrafficPoint, len(buckets))
	for i, b := range buckets {
		points[i] = TrafficPoint{Period: b.Start.In(loc).Format(layout), Views: b.Count, Visitors: b.Actors}
	}
	reverse(points)
	return points
}

// ReferralStats reports page views per attribution code over the last days
// calendar days, with signups recorded against the matching link. Codes
// with no link still appear with zero signups. days <= 0 means all time.
func (e *Engine) ReferralStats(ctx context.Context, days int) ([]ReferralStat, error) {
	filter := storage.EventFilter{Type: models.EventPageView}
	if days > 0 {
		filter.Since = e.DaysAgo(days)
	}

	counts, err := e.store.ReferralCounts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("referral counts: %w", err)
	}

	result := make([]ReferralStat, 0, len(counts))
	for _, c := range counts {
		stat := ReferralStat{Code: c.Code, Views: c.Views, Visitors: c.Visitors}

		link, err := e.store.GetLinkByCode(ctx, c.Code)
		if err != nil {
			return nil, fmt.Errorf("resolve referral %q: %w", c.Code, err)
		}
		if link != nil {
			if stat.Signups, err = e.store.CountConversions(ctx, link.ID, models.ConversionSignup); err != nil {
				return nil, fmt.Errorf("count signups: %w", err)
			}
		}
		result = append(result, stat)
	}
	return result, nil
}

// ReferralDaily reports page views and visitors arriving with code per day
// over the last days calendar days, oldest first.
func (e *Engine) ReferralDaily(ctx context.Context, code string, days int) ([]TrafficPoint, error) {
	if code == "" {
		return nil, fmt.Errorf("referral code: %w", models.ErrInvalidInput)
	}
	filter := storage.EventFilter{
		Type:            models.EventPageView,
		AttributionCode: code,
		Since:           e.DaysAgo(days),
	}
	buckets, err := e.dailyBuckets(ctx, filter, e.cfg.DailyCap)
	if err != nil {
		return nil, err
	}
	return trafficPoints(buckets, dateLayout, e.cfg.Location), nil
}

// MechanicClickStats reports admitted clicks for one mechanic over the last
// days calendar days plus the most recent log entries of any outcome.
func (e *Engine) MechanicClickStats(ctx context.Context, mechanicID int64, days int) (*MechanicClickStats, error) {
	m, err := e.store.GetMechanic(ctx, mechanicID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	if m == nil {
		return nil, fmt.Errorf("mechanic %d: %w", mechanicID, models.ErrSubjectNotFound)
	}

	filter := storage.EventFilter{Type: models.EventMechanicClick, SubjectID: mechanicID}
	if days > 0 {
		filter.Since = e.DaysAgo(days)
	}

	stats := &MechanicClickStats{MechanicID: mechanicID}
	if stats.TotalClicks, err = e.store.CountEvents(ctx, filter); err != nil {
		return nil, fmt.Errorf("count clicks: %w", err)
	}
	if stats.DailyStats, err = e.DailySeries(ctx, filter, filter.Since, NewestFirst); err != nil {
		return nil, err
	}

	recentFilter := filter
	recentFilter.IncludeSuppressed = true
	if stats.RecentLogs, err = e.store.Recent(ctx, recentFilter, recentClickLimit); err != nil {
		return nil, fmt.Errorf("recent clicks: %w", err)
	}
	return stats, nil
}
