package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/radiusdt/shoptraffic/internal/middleware"
	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/reporting"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"github.com/radiusdt/shoptraffic/internal/tracking"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// ---- Intake ----

func (s *Server) handlePageView(w http.ResponseWriter, r *http.Request) {
	ua := r.UserAgent()
	if strings.TrimSpace(ua) == "" {
		s.errorResponse(w, msgMissingUserAgent, http.StatusBadRequest)
		return
	}

	var pv models.PageView
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&pv); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if pv.Referer == "" {
		pv.Referer = r.Referer()
	}
	pv.SourceAddress = middleware.ClientIP(r)
	pv.UserAgent = ua

	res, err := s.recorder.RecordPageView(r.Context(), pv)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, res)
}

func (s *Server) handleMechanicClick(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ua := r.UserAgent()
	if strings.TrimSpace(ua) == "" {
		s.errorResponse(w, msgMissingUserAgent, http.StatusBadRequest)
		return
	}

	res, err := s.recorder.RecordMechanicClick(r.Context(), models.MechanicClick{
		MechanicID:    id,
		SourceAddress: middleware.ClientIP(r),
		UserAgent:     ua,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, res)
}

// handleLinkClick is called by landing pages. A failed write must not break
// the page, so store errors come back as a rejected click.
func (s *Server) handleLinkClick(w http.ResponseWriter, r *http.Request) {
	ua := r.UserAgent()
	if strings.TrimSpace(ua) == "" {
		s.errorResponse(w, msgMissingUserAgent, http.StatusBadRequest)
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Code == "" {
		s.errorResponse(w, "code is required", http.StatusBadRequest)
		return
	}

	res, err := s.recorder.RecordLinkClick(r.Context(), models.LinkClick{
		Code:          body.Code,
		SourceAddress: middleware.ClientIP(r),
		UserAgent:     ua,
	})
	switch {
	case err == nil:
		s.jsonResponse(w, res)
	case errors.Is(err, models.ErrSubjectNotFound), errors.Is(err, models.ErrInvalidSignal):
		s.writeError(w, r, err)
	default:
		s.jsonResponse(w, map[string]interface{}{"accepted": false, "reason": "error"})
	}
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	res, err := s.recorder.RecordLinkClick(r.Context(), models.LinkClick{
		Code:          r.PathValue("code"),
		SourceAddress: middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, models.ErrSubjectNotFound) {
			s.errorResponse(w, "not found", http.StatusNotFound)
			return
		}
		// the visitor still gets where they were going
		link, lookupErr := s.links.Get(r.Context(), r.PathValue("code"))
		if lookupErr != nil {
			s.writeError(w, r, lookupErr)
			return
		}
		http.Redirect(w, r, link.TargetURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, res.TargetURL, http.StatusFound)
}

// ---- Tracking links ----

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		TargetURL string `json:"targetUrl"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	link, err := s.links.Create(r.Context(), body.Name, body.TargetURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, link)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.reports.LinkList(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, links)
}

func (s *Server) handleUpdateLink(w http.ResponseWriter, r *http.Request) {
	var body tracking.LinkUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	link, err := s.links.Update(r.Context(), r.PathValue("code"), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, link)
}

func (s *Server) handleDeactivateLink(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := s.links.Deactivate(r.Context(), code); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("tracking link deactivated", zap.String("code", code))
	s.jsonResponse(w, map[string]interface{}{"code": code, "isActive": false})
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind models.ConversionKind `json:"kind"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.links.RecordConversion(r.Context(), r.PathValue("code"), body.Kind); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, map[string]interface{}{"recorded": true})
}

func (s *Server) handleLinkSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reports.LinkSummary(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, summary)
}

// ---- Analytics ----

func (s *Server) handleMechanicDaily(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := intQuery(r, "days", s.config.Reporting.DefaultDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := storage.EventFilter{Type: models.EventMechanicClick, SubjectID: id}
	series, err := s.reports.DailySeries(r.Context(), filter, s.reports.DaysAgo(days), reporting.OldestFirst)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, series)
}

func (s *Server) handleMechanicMonthly(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	months, err := intQuery(r, "months", s.config.Reporting.DefaultMonths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := storage.EventFilter{Type: models.EventMechanicClick, SubjectID: id}
	series, err := s.reports.MonthlySeries(r.Context(), filter, months)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, series)
}

func (s *Server) handleMechanicClicks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := intQuery(r, "days", s.config.Reporting.DefaultDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stats, err := s.reports.MechanicClickStats(r.Context(), id, days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, stats)
}

func (s *Server) handleTopMechanics(w http.ResponseWriter, r *http.Request) {
	period := reporting.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = reporting.PeriodRealtime
	}
	if !period.Valid() {
		s.errorResponse(w, "period must be realtime, daily or monthly", http.StatusBadRequest)
		return
	}

	limit, err := intQuery(r, "limit", s.config.Reporting.DefaultLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defWindow := s.config.Reporting.DefaultDays
	if period == reporting.PeriodMonthly {
		defWindow = s.config.Reporting.DefaultMonths
	}
	window, err := intQuery(r, "window", defWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ranked, err := s.reports.TopN(r.Context(), period, limit, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, ranked)
}

func (s *Server) handleTopMechanicsForMonth(w http.ResponseWriter, r *http.Request) {
	year, month, err := pathMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", s.config.Reporting.DefaultLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ranked, err := s.reports.TopNForMonth(r.Context(), year, month, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, ranked)
}

func (s *Server) handleMechanicsMonthly(w http.ResponseWriter, r *http.Request) {
	months, err := intQuery(r, "months", s.config.Reporting.DefaultMonths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	series, err := s.reports.MechanicsMonthly(r.Context(), months)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, series)
}

func (s *Server) handleSiteSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", s.config.Reporting.DefaultDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.reports.SiteSummary(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, summary)
}

func (s *Server) handleSiteMonthly(w http.ResponseWriter, r *http.Request) {
	months, err := intQuery(r, "months", s.config.Reporting.DefaultMonths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.reports.SiteMonthly(r.Context(), months)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, summary)
}

func (s *Server) handleSiteMonth(w http.ResponseWriter, r *http.Request) {
	year, month, err := pathMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.reports.SiteMonth(r.Context(), year, month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, summary)
}

func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	// no days parameter means all time
	days, err := intQuery(r, "days", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stats, err := s.reports.ReferralStats(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, stats)
}

func (s *Server) handleReferralDaily(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", s.config.Reporting.DefaultDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	series, err := s.reports.ReferralDaily(r.Context(), r.PathValue("code"), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, series)
}

// ---- Admin ----

func (s *Server) handleDedupReset(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.ResetDedup(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("dedup cache reset")
	s.jsonResponse(w, map[string]interface{}{"reset": true})
}
