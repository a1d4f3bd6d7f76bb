package models

import "time"

// Mechanic is a repair shop listing. ClickCount is the denormalized lifetime
// total of admitted, non-bot clicks.
type Mechanic struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	IsActive   bool      `json:"isActive"`
	ClickCount int64     `json:"clickCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TrackingLink is a shareable campaign link identified by its attribution code.
type TrackingLink struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	TargetURL string    `json:"targetUrl"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}
