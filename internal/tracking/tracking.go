// Package tracking records inbound traffic: mechanic clicks, tracking link
// clicks and page views.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/radiusdt/shoptraffic/internal/botdetect"
	"github.com/radiusdt/shoptraffic/internal/dedup"
	"github.com/radiusdt/shoptraffic/internal/geo"
	"github.com/radiusdt/shoptraffic/internal/metrics"
	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"go.uber.org/zap"
)

// Classifier decides whether a user agent is automated.
type Classifier interface {
	Classify(userAgent string) botdetect.Verdict
}

// Outcome is the caller-facing result of a recorded event.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeBot       Outcome = "bot"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInactive  Outcome = "inactive"
)

// MechanicClickResult reports what happened to a mechanic click. NewCount is
// set only when the counter was incremented.
type MechanicClickResult struct {
	Accepted bool    `json:"accepted"`
	Outcome  Outcome `json:"outcome"`
	IsBot    bool    `json:"isBot"`
	NewCount *int64  `json:"newCount,omitempty"`
}

// LinkClickResult reports what happened to a tracking link click. Accepted
// means an event was logged; inactive links log nothing.
type LinkClickResult struct {
	Accepted  bool    `json:"accepted"`
	Outcome   Outcome `json:"reason"`
	TargetURL string  `json:"targetUrl"`
	IsBot     bool    `json:"isBot"`
}

// PageViewResult reports a recorded page view.
type PageViewResult struct {
	Recorded bool `json:"recorded"`
	IsBot    bool `json:"isBot"`
}

// Config holds recorder tuning.
type Config struct {
	MechanicDedupWindow time.Duration
	StoreTimeout        time.Duration
}

// Dependencies are the collaborators of a Recorder. Geo, Sink and Metrics
// are optional.
type Dependencies struct {
	Subjects   storage.SubjectStore
	Log        storage.EventLog
	Classifier Classifier
	Dedup      dedup.Admitter
	Geo        geo.Locator
	Sink       storage.EventSink
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Recorder runs classification, dedup and the durable write for every
// inbound event.
type Recorder struct {
	subjects   storage.SubjectStore
	log        storage.EventLog
	classifier Classifier
	dedup      dedup.Admitter
	geo        geo.Locator
	sink       storage.EventSink
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(deps Dependencies, cfg Config) *Recorder {
	if cfg.MechanicDedupWindow <= 0 {
		cfg.MechanicDedupWindow = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	r := &Recorder{
		subjects:   deps.Subjects,
		log:        deps.Log,
		classifier: deps.Classifier,
		dedup:      deps.Dedup,
		geo:        deps.Geo,
		sink:       deps.Sink,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if r.geo == nil {
		r.geo = geo.NopLocator{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// RecordMechanicClick counts a click on a mechanic listing. The mechanic is
// resolved before anything else happens; bot and duplicate clicks are logged
// but never touch the counter.
func (r *Recorder) RecordMechanicClick(ctx context.Context, c models.MechanicClick) (*MechanicClickResult, error) {
	if err := requireSignal(c.UserAgent, c.SourceAddress); err != nil {
		return nil, err
	}

	mechanic, err := r.lookupMechanic(ctx, c.MechanicID)
	if err != nil {
		r.recordOutcome("mechanic", models.ReasonCode(err))
		return nil, err
	}

	verdict := r.classifier.Classify(c.UserAgent)
	entry := r.newEntry(models.EventMechanicClick, mechanic.ID, c.SourceAddress, c.UserAgent, verdict.IsBot)

	result := &MechanicClickResult{IsBot: verdict.IsBot, Outcome: OutcomeBot}
	if verdict.IsBot {
		r.logger.Debug("bot mechanic click",
			zap.Int64("mechanic_id", mechanic.ID),
			zap.String("reason", verdict.Reason),
		)
		if err := r.append(ctx, entry); err != nil {
			return nil, r.storeFailure("mechanic", err)
		}
		r.recordOutcome("mechanic", string(OutcomeBot))
		return result, nil
	}

	key := dedup.MechanicKey(mechanic.ID, c.SourceAddress)
	admitted := r.dedup.Admit(ctx, key, r.cfg.MechanicDedupWindow)
	if r.metrics != nil {
		r.metrics.RecordDedup(admitted)
	}

	if !admitted {
		result.Outcome = OutcomeDuplicate
		if err := r.append(ctx, entry); err != nil {
			return nil, r.storeFailure("mechanic", err)
		}
		r.recordOutcome("mechanic", string(OutcomeDuplicate))
		return result, nil
	}

	entry.Admitted = true
	count, err := r.appendWithIncrement(ctx, entry)
	if err != nil {
		// the click was not counted, so a retry must not look like a duplicate
		r.dedup.Release(context.WithoutCancel(ctx), key)
		if errors.Is(err, models.ErrSubjectNotFound) {
			r.recordOutcome("mechanic", models.ReasonCode(err))
			return nil, err
		}
		return nil, r.storeFailure("mechanic", err)
	}

	result.Accepted = true
	result.Outcome = OutcomeAccepted
	result.NewCount = &count
	r.recordOutcome("mechanic", string(OutcomeAccepted))
	return result, nil
}

// RecordLinkClick logs a visit through a tracking link. Inactive links are
// reported but not logged; uniqueness is derived later from the log.
func (r *Recorder) RecordLinkClick(ctx context.Context, c models.LinkClick) (*LinkClickResult, error) {
	if err := requireSignal(c.UserAgent, c.SourceAddress); err != nil {
		return nil, err
	}

	link, err := r.lookupLink(ctx, c.Code)
	if err != nil {
		r.recordOutcome("link", models.ReasonCode(err))
		return nil, err
	}

	if !link.IsActive {
		r.recordOutcome("link", string(OutcomeInactive))
		return &LinkClickResult{Outcome: OutcomeInactive, TargetURL: link.TargetURL}, nil
	}

	verdict := r.classifier.Classify(c.UserAgent)
	entry := r.newEntry(models.EventLinkClick, link.ID, c.SourceAddress, c.UserAgent, verdict.IsBot)
	entry.Admitted = !verdict.IsBot
	entry.AttributionCode = link.Code

	if err := r.append(ctx, entry); err != nil {
		return nil, r.storeFailure("link", err)
	}

	result := &LinkClickResult{
		Accepted:  true,
		Outcome:   OutcomeAccepted,
		TargetURL: link.TargetURL,
		IsBot:     verdict.IsBot,
	}
	if verdict.IsBot {
		result.Outcome = OutcomeBot
	}
	r.recordOutcome("link", string(result.Outcome))
	return result, nil
}

// RecordPageView logs a page load. Page views are never deduplicated and the
// source address is optional.
func (r *Recorder) RecordPageView(ctx context.Context, v models.PageView) (*PageViewResult, error) {
	if strings.TrimSpace(v.UserAgent) == "" {
		return nil, fmt.Errorf("user agent: %w", models.ErrInvalidSignal)
	}
	if strings.TrimSpace(v.Path) == "" {
		return nil, fmt.Errorf("path: %w", models.ErrInvalidSignal)
	}

	verdict := r.classifier.Classify(v.UserAgent)
	entry := r.newEntry(models.EventPageView, 0, v.SourceAddress, v.UserAgent, verdict.IsBot)
	entry.Admitted = !verdict.IsBot
	entry.Path = v.Path
	entry.Referer = v.Referer
	entry.AttributionCode = v.AttributionCode

	if err := r.append(ctx, entry); err != nil {
		return nil, r.storeFailure("page_view", err)
	}
	if r.metrics != nil {
		r.metrics.RecordPageView(verdict.IsBot)
	}
	return &PageViewResult{Recorded: true, IsBot: verdict.IsBot}, nil
}

// ResetDedup clears every dedup admission.
func (r *Recorder) ResetDedup(ctx context.Context) error {
	return r.dedup.Reset(ctx)
}

func (r *Recorder) lookupMechanic(ctx context.Context, id int64) (*models.Mechanic, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	m, err := r.subjects.GetMechanic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup mechanic %d: %w: %w", id, models.ErrStoreUnavailable, err)
	}
	if m == nil || !m.IsActive {
		return nil, fmt.Errorf("mechanic %d: %w", id, models.ErrSubjectNotFound)
	}
	return m, nil
}

func (r *Recorder) lookupLink(ctx context.Context, code string) (*models.TrackingLink, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty link code: %w", models.ErrSubjectNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	l, err := r.subjects.GetLinkByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("lookup link %q: %w: %w", code, models.ErrStoreUnavailable, err)
	}
	if l == nil {
		return nil, fmt.Errorf("link %q: %w", code, models.ErrSubjectNotFound)
	}
	return l, nil
}

func (r *Recorder) newEntry(t models.EventType, subjectID int64, addr, ua string, isBot bool) *models.EventLogEntry {
	return &models.EventLogEntry{
		Type:          t,
		SubjectID:     subjectID,
		OccurredAt:    r.now(),
		SourceAddress: addr,
		UserAgent:     ua,
		IsBot:         isBot,
		Country:       r.geo.Country(addr),
	}
}

func (r *Recorder) append(ctx context.Context, e *models.EventLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := r.log.Append(ctx, e)
	r.observe("append", start)
	if err != nil {
		return err
	}
	r.publish(e)
	return nil
}

func (r *Recorder) appendWithIncrement(ctx context.Context, e *models.EventLogEntry) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	count, err := r.log.AppendWithIncrement(ctx, e)
	r.observe("append_increment", start)
	if err != nil {
		return 0, err
	}
	r.publish(e)
	return count, nil
}

func (r *Recorder) publish(e *models.EventLogEntry) {
	if r.sink != nil {
		r.sink.Publish(e)
	}
}

func (r *Recorder) observe(op string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordStoreLatency(op, time.Since(start))
	}
}

func (r *Recorder) storeFailure(subject string, err error) error {
	if !errors.Is(err, models.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	r.logger.Error("failed to record event",
		zap.String("subject", subject),
		zap.String("reason", models.ReasonCode(err)),
		zap.Error(err),
	)
	r.recordOutcome(subject, "error")
	return err
}

func (r *Recorder) recordOutcome(subject, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordClick(subject, outcome)
	}
}

func requireSignal(userAgent, addr string) error {
	if strings.TrimSpace(userAgent) == "" {
		return fmt.Errorf("user agent: %w", models.ErrInvalidSignal)
	}
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("source address: %w", models.ErrInvalidSignal)
	}
	return nil
}
