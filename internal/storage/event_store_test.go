package storage

import (
	"context"
	"testing"
	"time"

	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kst = time.FixedZone("KST", 9*60*60)

func click(mechanicID int64, addr string, at time.Time, admitted bool) *models.EventLogEntry {
	return &models.EventLogEntry{
		Type:          models.EventMechanicClick,
		SubjectID:     mechanicID,
		SourceAddress: addr,
		OccurredAt:    at,
		Admitted:      admitted,
		IsBot:         !admitted,
	}
}

func TestAppendWithIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	s.PutMechanic(&models.Mechanic{ID: 1, Name: "Speedy", IsActive: true})
	s.PutMechanic(&models.Mechanic{ID: 2, Name: "Closed", IsActive: false})

	n, err := s.AppendWithIncrement(ctx, click(1, "10.0.0.1", time.Now(), true))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.AppendWithIncrement(ctx, click(2, "10.0.0.1", time.Now(), true))
	assert.ErrorIs(t, err, models.ErrSubjectNotFound)

	_, err = s.AppendWithIncrement(ctx, click(99, "10.0.0.1", time.Now(), true))
	assert.ErrorIs(t, err, models.ErrSubjectNotFound)

	total, err := s.CountEvents(ctx, EventFilter{IncludeSuppressed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "failed increments write nothing")
}

func TestEventFilterMatches(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	e := click(7, "10.0.0.1", base, true)

	assert.True(t, EventFilter{}.Matches(e))
	assert.True(t, EventFilter{Type: models.EventMechanicClick, SubjectID: 7}.Matches(e))
	assert.False(t, EventFilter{Type: models.EventLinkClick}.Matches(e))
	assert.False(t, EventFilter{SubjectID: 8}.Matches(e))
	assert.True(t, EventFilter{Since: base}.Matches(e), "since is inclusive")
	assert.False(t, EventFilter{Until: base}.Matches(e), "until is exclusive")

	suppressed := click(7, "10.0.0.1", base, false)
	assert.False(t, EventFilter{}.Matches(suppressed))
	assert.True(t, EventFilter{IncludeSuppressed: true}.Matches(suppressed))

	e.AttributionCode = "Spr1ng"
	assert.True(t, EventFilter{AttributionCode: "Spr1ng"}.Matches(e))
	assert.False(t, EventFilter{AttributionCode: "Othr22"}.Matches(e))
}

func TestCountBucketsUsesLocation(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	// 2024-05-01 15:30 UTC is already 2024-05-02 00:30 in KST
	require.NoError(t, s.Append(ctx, click(1, "a", time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC), true)))
	require.NoError(t, s.Append(ctx, click(1, "b", time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC), true)))
	require.NoError(t, s.Append(ctx, click(1, "c", time.Date(2024, 5, 1, 14, 45, 0, 0, time.UTC), true)))

	got, err := s.CountBuckets(ctx, BucketQuery{
		Filter:      EventFilter{Type: models.EventMechanicClick},
		Granularity: GranularityDay,
		Location:    kst,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, kst), got[0].Start)
	assert.Equal(t, int64(1), got[0].Count)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, kst), got[1].Start)
	assert.Equal(t, int64(2), got[1].Count)

	utc, err := s.CountBuckets(ctx, BucketQuery{Granularity: GranularityDay, Location: time.UTC})
	require.NoError(t, err)
	require.Len(t, utc, 1)
	assert.Equal(t, int64(3), utc[0].Count)
}

func TestCountBucketsLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	start := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	for d := 0; d < 40; d++ {
		require.NoError(t, s.Append(ctx, click(1, "a", start.AddDate(0, 0, d), true)))
	}

	got, err := s.CountBuckets(ctx, BucketQuery{Granularity: GranularityDay, Location: time.UTC, Limit: 30})
	require.NoError(t, err)
	require.Len(t, got, 30)
	assert.Equal(t, time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC), got[0].Start)
	assert.Equal(t, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC), got[29].Start)
}

func TestMonthBuckets(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Append(ctx, click(1, "a", time.Date(2024, 1, 31, 16, 0, 0, 0, time.UTC), true)))
	require.NoError(t, s.Append(ctx, click(1, "a", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), true)))

	got, err := s.CountBuckets(ctx, BucketQuery{Granularity: GranularityMonth, Location: kst})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.February, got[0].Start.Month())
	assert.Equal(t, time.January, got[1].Start.Month())
}

func TestDistinctActorsAndBySubject(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now()
	for _, e := range []*models.EventLogEntry{
		click(1, "a", now, true),
		click(1, "a", now, true),
		click(1, "b", now, true),
		click(1, "c", now, false),
		click(2, "a", now, true),
		click(3, "z", now, true),
		click(3, "y", now, true),
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	n, err := s.CountDistinctActors(ctx, EventFilter{SubjectID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := s.CountBySubject(ctx, EventFilter{Type: models.EventMechanicClick})
	require.NoError(t, err)
	assert.Equal(t, []SubjectCount{{1, 3}, {3, 2}, {2, 1}}, counts)
}

func TestTopMechanicsByCounterTieBreak(t *testing.T) {
	s := NewInMemoryStore()
	s.PutMechanic(&models.Mechanic{ID: 5, IsActive: true, ClickCount: 10})
	s.PutMechanic(&models.Mechanic{ID: 3, IsActive: true, ClickCount: 10})
	s.PutMechanic(&models.Mechanic{ID: 9, IsActive: true, ClickCount: 50})
	s.PutMechanic(&models.Mechanic{ID: 1, IsActive: false, ClickCount: 99})

	got, err := s.TopMechanicsByCounter(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []SubjectCount{{9, 50}, {3, 10}, {5, 10}}, got)
}

func TestLinkCodesAreNeverReused(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	link := &models.TrackingLink{Code: "Ab3xYz", Name: "spring", TargetURL: "https://example.com", IsActive: true}
	require.NoError(t, s.CreateLink(ctx, link))
	assert.NotZero(t, link.ID)

	s.DeleteLink("Ab3xYz")
	exists, err := s.CodeExists(ctx, "Ab3xYz")
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.CreateLink(ctx, &models.TrackingLink{Code: "Ab3xYz"})
	assert.ErrorIs(t, err, models.ErrCodeConflict)
}

func TestSetLinkActive(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.CreateLink(ctx, &models.TrackingLink{Code: "Kq7pRt", IsActive: true}))

	require.NoError(t, s.SetLinkActive(ctx, "Kq7pRt", false))
	l, err := s.GetLinkByCode(ctx, "Kq7pRt")
	require.NoError(t, err)
	assert.False(t, l.IsActive)

	assert.ErrorIs(t, s.SetLinkActive(ctx, "nope", true), models.ErrSubjectNotFound)
}

func TestTopPathsAndReferrals(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now()
	view := func(path, ref, addr string) *models.EventLogEntry {
		return &models.EventLogEntry{Type: models.EventPageView, Path: path, AttributionCode: ref, SourceAddress: addr, OccurredAt: now, Admitted: true}
	}
	for _, e := range []*models.EventLogEntry{
		view("/", "AAA222", "a"),
		view("/", "AAA222", "a"),
		view("/mechanics", "BBB333", "b"),
		view("/about", "", "c"),
		view("/mechanics", "BBB333", "c"),
		view("/", "", "d"),
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	paths, err := s.TopPaths(ctx, EventFilter{Type: models.EventPageView}, 2)
	require.NoError(t, err)
	assert.Equal(t, []PathCount{{"/", 3}, {"/mechanics", 2}}, paths)

	refs, err := s.ReferralCounts(ctx, EventFilter{Type: models.EventPageView})
	require.NoError(t, err)
	assert.Equal(t, []ReferralCount{
		{Code: "AAA222", Views: 2, Visitors: 1},
		{Code: "BBB333", Views: 2, Visitors: 2},
	}, refs)
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		require.NoError(t, s.Append(ctx, click(1, "a", base.Add(time.Duration(i)*time.Minute), true)))
	}

	got, err := s.Recent(ctx, EventFilter{SubjectID: 1}, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, base.Add(14*time.Minute), got[0].OccurredAt)
}

func TestConversions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.AddConversion(ctx, &models.Conversion{LinkID: 1, Kind: models.ConversionInquiry}))
	require.NoError(t, s.AddConversion(ctx, &models.Conversion{LinkID: 1, Kind: models.ConversionSignup}))
	require.NoError(t, s.AddConversion(ctx, &models.Conversion{LinkID: 2, Kind: models.ConversionInquiry}))

	n, err := s.CountConversions(ctx, 1, models.ConversionInquiry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountConversions(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCountBySubjectTieBreak(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	// the higher id is logged first so insertion order cannot decide the tie
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, click(7, "10.0.0.7", base.Add(time.Duration(i)*time.Minute), true)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, click(6, "10.0.0.6", base.Add(time.Hour+time.Duration(i)*time.Minute), true)))
	}
	require.NoError(t, s.Append(ctx, click(8, "10.0.0.8", base, true)))

	got, err := s.CountBySubject(ctx, EventFilter{Type: models.EventMechanicClick})
	require.NoError(t, err)
	assert.Equal(t, []SubjectCount{{6, 3}, {7, 3}, {8, 1}}, got)
}

func TestCountBucketsActors(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	day := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

	for _, e := range []*models.EventLogEntry{
		click(1, "10.0.0.1", day, true),
		click(1, "10.0.0.1", day.Add(time.Hour), true),
		click(1, "10.0.0.2", day.Add(2*time.Hour), true),
		click(1, "", day.Add(3*time.Hour), true),
		click(1, "10.0.0.3", day.AddDate(0, 0, 1), true),
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.CountBuckets(ctx, BucketQuery{Filter: EventFilter{SubjectID: 1}, Granularity: GranularityDay, Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, []BucketCount{
		{Start: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Count: 1, Actors: 1},
		{Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Count: 4, Actors: 2},
	}, got)
}

func TestCountBucketsBySubject(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	may := time.Date(2024, 5, 10, 0, 0, 0, 0, kst)
	june := time.Date(2024, 6, 3, 0, 0, 0, 0, kst)

	for _, e := range []*models.EventLogEntry{
		click(2, "a", june, true),
		click(1, "b", june, true),
		click(1, "c", may, true),
		click(1, "d", may, true),
		click(2, "e", may, false),
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.CountBucketsBySubject(ctx, BucketQuery{
		Filter:      EventFilter{Type: models.EventMechanicClick},
		Granularity: GranularityMonth,
		Location:    kst,
	})
	require.NoError(t, err)
	assert.Equal(t, []SubjectBucketCount{
		{SubjectID: 1, Start: time.Date(2024, 5, 1, 0, 0, 0, 0, kst), Count: 2},
		{SubjectID: 1, Start: time.Date(2024, 6, 1, 0, 0, 0, 0, kst), Count: 1},
		{SubjectID: 2, Start: time.Date(2024, 6, 1, 0, 0, 0, 0, kst), Count: 1},
	}, got)
}

func TestUpdateAndListLinks(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.CreateLink(ctx, &models.TrackingLink{Code: "Aaaaaa", Name: "first", TargetURL: "/", IsActive: true}))
	require.NoError(t, s.CreateLink(ctx, &models.TrackingLink{Code: "Bbbbbb", Name: "second", TargetURL: "/", IsActive: true}))

	require.NoError(t, s.UpdateLink(ctx, &models.TrackingLink{Code: "Aaaaaa", Name: "renamed", TargetURL: "/mechanics", IsActive: false}))
	assert.ErrorIs(t, s.UpdateLink(ctx, &models.TrackingLink{Code: "Zzzzzz"}), models.ErrSubjectNotFound)

	links, err := s.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "Bbbbbb", links[0].Code, "newest first")
	assert.Equal(t, "renamed", links[1].Name)
	assert.Equal(t, "/mechanics", links[1].TargetURL)
	assert.False(t, links[1].IsActive)
}

func TestListActiveMechanics(t *testing.T) {
	s := NewInMemoryStore()
	s.PutMechanic(&models.Mechanic{ID: 9, IsActive: true})
	s.PutMechanic(&models.Mechanic{ID: 2, IsActive: true})
	s.PutMechanic(&models.Mechanic{ID: 5, IsActive: false})

	got, err := s.ListActiveMechanics(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(9), got[1].ID)
}
