package storage

import (
	"context"
	"time"

	"github.com/radiusdt/shoptraffic/internal/models"
)

// =============================================
// SUBJECTS
// =============================================

// SubjectStore is the read side of mechanics and tracking links, plus the
// narrow write paths this service owns.
type SubjectStore interface {
	// GetMechanic returns nil, nil when the id is unknown.
	GetMechanic(ctx context.Context, id int64) (*models.Mechanic, error)
	// GetLinkByCode returns nil, nil when the code is unknown.
	GetLinkByCode(ctx context.Context, code string) (*models.TrackingLink, error)
	// CodeExists covers live links and every code ever issued.
	CodeExists(ctx context.Context, code string) (bool, error)
	// CreateLink reserves link.Code and stores the link in one unit. It
	// returns models.ErrCodeConflict if the code was already issued.
	CreateLink(ctx context.Context, link *models.TrackingLink) error
	SetLinkActive(ctx context.Context, code string, active bool) error
	// UpdateLink overwrites the name, target and active flag of the link
	// with link.Code. The code itself never changes.
	UpdateLink(ctx context.Context, link *models.TrackingLink) error
	// ListLinks returns every link, newest first.
	ListLinks(ctx context.Context) ([]*models.TrackingLink, error)
	// TopMechanicsByCounter ranks active mechanics by their denormalized
	// counter, ties by ascending id.
	TopMechanicsByCounter(ctx context.Context, limit int) ([]SubjectCount, error)
	// ActiveMechanics returns the active subset of ids.
	ActiveMechanics(ctx context.Context, ids []int64) (map[int64]*models.Mechanic, error)
	// ListActiveMechanics returns all active mechanics by ascending id.
	ListActiveMechanics(ctx context.Context) ([]*models.Mechanic, error)
}

// =============================================
// EVENT LOG
// =============================================

// EventLog is the append-only system of record for traffic.
type EventLog interface {
	Append(ctx context.Context, e *models.EventLogEntry) error
	// AppendWithIncrement bumps the mechanic's counter and appends e in one
	// transaction. It returns models.ErrSubjectNotFound when the mechanic is
	// missing or inactive, in which case nothing is written.
	AppendWithIncrement(ctx context.Context, e *models.EventLogEntry) (int64, error)

	CountEvents(ctx context.Context, f EventFilter) (int64, error)
	CountDistinctActors(ctx context.Context, f EventFilter) (int64, error)
	// CountBuckets returns the most recent q.Limit buckets, newest first.
	CountBuckets(ctx context.Context, q BucketQuery) ([]BucketCount, error)
	// CountBucketsBySubject splits buckets per subject, ordered by subject
	// then bucket start ascending. q.Limit is ignored.
	CountBucketsBySubject(ctx context.Context, q BucketQuery) ([]SubjectBucketCount, error)
	CountBySubject(ctx context.Context, f EventFilter) ([]SubjectCount, error)
	// TopPaths ranks page-view paths by count desc, then path asc.
	TopPaths(ctx context.Context, f EventFilter, limit int) ([]PathCount, error)
	// ReferralCounts groups page views by attribution code.
	ReferralCounts(ctx context.Context, f EventFilter) ([]ReferralCount, error)
	// Recent returns the newest entries first.
	Recent(ctx context.Context, f EventFilter, limit int) ([]*models.EventLogEntry, error)
}

// ConversionStore holds downstream conversions attributed to tracking links.
type ConversionStore interface {
	AddConversion(ctx context.Context, c *models.Conversion) error
	CountConversions(ctx context.Context, linkID int64, kind models.ConversionKind) (int64, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	SubjectStore
	EventLog
	ConversionStore
}

// EventSink receives committed log entries for export. Publish must not block.
type EventSink interface {
	Publish(e *models.EventLogEntry)
}

// =============================================
// QUERY TYPES
// =============================================

// EventFilter selects log entries. Only admitted entries match unless
// IncludeSuppressed is set; admitted implies non-bot.
type EventFilter struct {
	Type models.EventType
	// SubjectID zero matches every subject.
	SubjectID int64
	// AttributionCode, when set, matches only entries carrying that code.
	AttributionCode string
	// Since and Until bound a half-open window; zero values leave it open.
	Since time.Time
	Until time.Time

	IncludeSuppressed bool
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *models.EventLogEntry) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SubjectID != 0 && e.SubjectID != f.SubjectID {
		return false
	}
	if f.AttributionCode != "" && e.AttributionCode != f.AttributionCode {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.OccurredAt.Before(f.Until) {
		return false
	}
	if !f.IncludeSuppressed && !e.Admitted {
		return false
	}
	return true
}

// Granularity is a bucket width.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// BucketQuery groups filtered entries by calendar bucket in Location.
type BucketQuery struct {
	Filter      EventFilter
	Granularity Granularity
	Location    *time.Location
	Limit       int
}

// BucketCount is the count for one bucket. Start is midnight of the first
// day of the bucket in the query location. Actors is the number of distinct
// source addresses in the bucket.
type BucketCount struct {
	Start  time.Time
	Count  int64
	Actors int64
}

// SubjectBucketCount is one bucket of one subject.
type SubjectBucketCount struct {
	SubjectID int64
	Start     time.Time
	Count     int64
}

// SubjectCount pairs a subject id with a count.
type SubjectCount struct {
	SubjectID int64
	Count     int64
}

// PathCount pairs a page path with a view count.
type PathCount struct {
	Path  string
	Count int64
}

// ReferralCount summarises page views carrying one attribution code.
type ReferralCount struct {
	Code     string
	Views    int64
	Visitors int64
}
