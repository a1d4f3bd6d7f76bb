package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/shoptraffic/internal/models"
)

// InMemoryStore implements Store for development and tests. A single
// RWMutex makes the counter increment and log append atomic together.
type InMemoryStore struct {
	mu          sync.RWMutex
	mechanics   map[int64]*models.Mechanic
	links       map[string]*models.TrackingLink
	issuedCodes map[string]struct{}
	events      []*models.EventLogEntry
	conversions []*models.Conversion
	nextLinkID  int64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mechanics:   make(map[int64]*models.Mechanic),
		links:       make(map[string]*models.TrackingLink),
		issuedCodes: make(map[string]struct{}),
	}
}

// PutMechanic inserts or replaces a mechanic. It stands in for the external
// CRUD owner in development and tests.
func (s *InMemoryStore) PutMechanic(m *models.Mechanic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.mechanics[cp.ID] = &cp
}

// DeleteLink removes a link. Its code stays reserved.
func (s *InMemoryStore) DeleteLink(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, code)
}

// =============================================
// SubjectStore
// =============================================

func (s *InMemoryStore) GetMechanic(_ context.Context, id int64) (*models.Mechanic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mechanics[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) GetLinkByCode(_ context.Context, code string) (*models.TrackingLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[code]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *InMemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.issuedCodes[code]; ok {
		return true, nil
	}
	_, ok := s.links[code]
	return ok, nil
}

func (s *InMemoryStore) CreateLink(_ context.Context, link *models.TrackingLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.issuedCodes[link.Code]; ok {
		return models.ErrCodeConflict
	}
	s.nextLinkID++
	link.ID = s.nextLinkID
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	cp := *link
	s.links[link.Code] = &cp
	s.issuedCodes[link.Code] = struct{}{}
	return nil
}

func (s *InMemoryStore) SetLinkActive(_ context.Context, code string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[code]
	if !ok {
		return fmt.Errorf("link %q: %w", code, models.ErrSubjectNotFound)
	}
	l.IsActive = active
	return nil
}

func (s *InMemoryStore) UpdateLink(_ context.Context, link *models.TrackingLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[link.Code]
	if !ok {
		return fmt.Errorf("link %q: %w", link.Code, models.ErrSubjectNotFound)
	}
	l.Name = link.Name
	l.TargetURL = link.TargetURL
	l.IsActive = link.IsActive
	return nil
}

func (s *InMemoryStore) ListLinks(_ context.Context) ([]*models.TrackingLink, error) {
	s.mu.RLock()
	result := make([]*models.TrackingLink, 0, len(s.links))
	for _, l := range s.links {
		cp := *l
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	// ids are assigned in creation order
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (s *InMemoryStore) TopMechanicsByCounter(_ context.Context, limit int) ([]SubjectCount, error) {
	s.mu.RLock()
	result := make([]SubjectCount, 0, len(s.mechanics))
	for _, m := range s.mechanics {
		if m.IsActive {
			result = append(result, SubjectCount{SubjectID: m.ID, Count: m.ClickCount})
		}
	}
	s.mu.RUnlock()

	sortSubjectCounts(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryStore) ActiveMechanics(_ context.Context, ids []int64) (map[int64]*models.Mechanic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]*models.Mechanic, len(ids))
	for _, id := range ids {
		if m, ok := s.mechanics[id]; ok && m.IsActive {
			cp := *m
			result[id] = &cp
		}
	}
	return result, nil
}

func (s *InMemoryStore) ListActiveMechanics(_ context.Context) ([]*models.Mechanic, error) {
	s.mu.RLock()
	result := make([]*models.Mechanic, 0, len(s.mechanics))
	for _, m := range s.mechanics {
		if m.IsActive {
			cp := *m
			result = append(result, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================
// EventLog
// =============================================

func (s *InMemoryStore) Append(_ context.Context, e *models.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
	return nil
}

func (s *InMemoryStore) AppendWithIncrement(_ context.Context, e *models.EventLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mechanics[e.SubjectID]
	if !ok || !m.IsActive {
		return 0, fmt.Errorf("mechanic %d: %w", e.SubjectID, models.ErrSubjectNotFound)
	}
	m.ClickCount++
	s.appendLocked(e)
	return m.ClickCount, nil
}

func (s *InMemoryStore) appendLocked(e *models.EventLogEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	cp := *e
	s.events = append(s.events, &cp)
}

func (s *InMemoryStore) CountEvents(_ context.Context, f EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events {
		if f.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountDistinctActors(_ context.Context, f EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.events {
		if f.Matches(e) && e.SourceAddress != "" {
			seen[e.SourceAddress] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (s *InMemoryStore) CountBuckets(ctx context.Context, q BucketQuery) ([]BucketCount, error) {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	type agg struct {
		count  int64
		actors map[string]struct{}
	}
	buckets := make(map[time.Time]*agg)
	s.mu.RLock()
	for _, e := range s.events {
		if !q.Filter.Matches(e) {
			continue
		}
		start := BucketStart(e.OccurredAt, q.Granularity, loc)
		a, ok := buckets[start]
		if !ok {
			a = &agg{actors: make(map[string]struct{})}
			buckets[start] = a
		}
		a.count++
		if e.SourceAddress != "" {
			a.actors[e.SourceAddress] = struct{}{}
		}
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make([]BucketCount, 0, len(buckets))
	for start, a := range buckets {
		result = append(result, BucketCount{Start: start, Count: a.count, Actors: int64(len(a.actors))})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start.After(result[j].Start) })
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *InMemoryStore) CountBucketsBySubject(ctx context.Context, q BucketQuery) ([]SubjectBucketCount, error) {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	type key struct {
		subject int64
		start   time.Time
	}
	counts := make(map[key]int64)
	s.mu.RLock()
	for _, e := range s.events {
		if q.Filter.Matches(e) {
			counts[key{e.SubjectID, BucketStart(e.OccurredAt, q.Granularity, loc)}]++
		}
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make([]SubjectBucketCount, 0, len(counts))
	for k, n := range counts {
		result = append(result, SubjectBucketCount{SubjectID: k.subject, Start: k.start, Count: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SubjectID != result[j].SubjectID {
			return result[i].SubjectID < result[j].SubjectID
		}
		return result[i].Start.Before(result[j].Start)
	})
	return result, nil
}

func (s *InMemoryStore) CountBySubject(_ context.Context, f EventFilter) ([]SubjectCount, error) {
	counts := make(map[int64]int64)
	s.mu.RLock()
	for _, e := range s.events {
		if f.Matches(e) {
			counts[e.SubjectID]++
		}
	}
	s.mu.RUnlock()

	result := make([]SubjectCount, 0, len(counts))
	for id, n := range counts {
		result = append(result, SubjectCount{SubjectID: id, Count: n})
	}
	sortSubjectCounts(result)
	return result, nil
}

func (s *InMemoryStore) TopPaths(_ context.Context, f EventFilter, limit int) ([]PathCount, error) {
	counts := make(map[string]int64)
	s.mu.RLock()
	for _, e := range s.events {
		if f.Matches(e) {
			counts[e.Path]++
		}
	}
	s.mu.RUnlock()

	result := make([]PathCount, 0, len(counts))
	for p, n := range counts {
		result = append(result, PathCount{Path: p, Count: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Path < result[j].Path
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryStore) ReferralCounts(_ context.Context, f EventFilter) ([]ReferralCount, error) {
	type agg struct {
		views    int64
		visitors map[string]struct{}
	}
	byCode := make(map[string]*agg)

	s.mu.RLock()
	for _, e := range s.events {
		if e.AttributionCode == "" || !f.Matches(e) {
			continue
		}
		a, ok := byCode[e.AttributionCode]
		if !ok {
			a = &agg{visitors: make(map[string]struct{})}
			byCode[e.AttributionCode] = a
		}
		a.views++
		if e.SourceAddress != "" {
			a.visitors[e.SourceAddress] = struct{}{}
		}
	}
	s.mu.RUnlock()

	result := make([]ReferralCount, 0, len(byCode))
	for code, a := range byCode {
		result = append(result, ReferralCount{Code: code, Views: a.views, Visitors: int64(len(a.visitors))})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Views != result[j].Views {
			return result[i].Views > result[j].Views
		}
		return result[i].Code < result[j].Code
	})
	return result, nil
}

func (s *InMemoryStore) Recent(_ context.Context, f EventFilter, limit int) ([]*models.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.EventLogEntry, 0, limit)
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if e := s.events[i]; f.Matches(e) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].OccurredAt.After(result[j].OccurredAt) })
	return result, nil
}

// =============================================
// ConversionStore
// =============================================

func (s *InMemoryStore) AddConversion(_ context.Context, c *models.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now().UTC()
	}
	cp := *c
	s.conversions = append(s.conversions, &cp)
	return nil
}

func (s *InMemoryStore) CountConversions(_ context.Context, linkID int64, kind models.ConversionKind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, c := range s.conversions {
		if c.LinkID == linkID && (kind == "" || c.Kind == kind) {
			n++
		}
	}
	return n, nil
}

// =============================================
// Helpers
// =============================================

// BucketStart truncates t to the start of its day or month in loc.
func BucketStart(t time.Time, g Granularity, loc *time.Location) time.Time {
	local := t.In(loc)
	if g == GranularityMonth {
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	}
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func sortSubjectCounts(s []SubjectCount) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].SubjectID < s[j].SubjectID
	})
}
