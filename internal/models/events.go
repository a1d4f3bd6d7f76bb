package models

import (
	"time"
)

// ===========================================
// EVENT LOG
// ===========================================

// EventType distinguishes the three kinds of tracked traffic.
type EventType string

const (
	EventMechanicClick EventType = "mechanic-click"
	EventLinkClick     EventType = "link-click"
	EventPageView      EventType = "page-view"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventMechanicClick, EventLinkClick, EventPageView:
		return true
	}
	return false
}

// EventLogEntry is an immutable fact appended once at intake.
// SubjectID is the mechanic id or tracking link id; it is zero for page views.
type EventLogEntry struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	SubjectID     int64     `json:"subjectId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
	SourceAddress string    `json:"sourceAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	IsBot         bool      `json:"isBot"`
	// Admitted is true when this event incremented the subject's counter.
	Admitted bool `json:"admitted"`

	// Page view context
	Path            string `json:"path,omitempty"`
	Referer         string `json:"referer,omitempty"`
	AttributionCode string `json:"attributionCode,omitempty"`

	Country string `json:"country,omitempty"`
}

// ===========================================
// INBOUND EVENTS
// ===========================================

// PageView is a page load reported by the web client.
type PageView struct {
	Path            string `json:"path"`
	Referer         string `json:"referer,omitempty"`
	AttributionCode string `json:"ref,omitempty"`
	SourceAddress   string `json:"-"`
	UserAgent       string `json:"-"`
}

// MechanicClick is a click on a mechanic listing.
type MechanicClick struct {
	MechanicID    int64
	SourceAddress string
	UserAgent     string
}

// LinkClick is a visit through a tracking link.
type LinkClick struct {
	Code          string
	SourceAddress string
	UserAgent     string
}

// ===========================================
// CONVERSIONS
// ===========================================

// ConversionKind is a downstream action attributed to a tracking link.
type ConversionKind string

const (
	ConversionInquiry ConversionKind = "inquiry"
	ConversionSignup  ConversionKind = "signup"
)

// Conversion records one downstream action for a link.
type Conversion struct {
	ID         string         `json:"id"`
	LinkID     int64          `json:"linkId"`
	Kind       ConversionKind `json:"kind"`
	OccurredAt time.Time      `json:"occurredAt"`
}
