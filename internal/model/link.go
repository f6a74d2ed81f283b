package model

import (
	"time"

	"github.com/google/uuid"
)

// Link maps a short code to its original URL. Links are never mutated.
type Link struct {
	Code        string     `json:"code"`
	OriginalURL string     `json:"original_url"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the link can no longer be resolved at now.
func (l *Link) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Visit is a single recorded redirect. EventID makes re-delivered events idempotent.
type Visit struct {
	ID        int64     `json:"id"`
	EventID   uuid.UUID `json:"event_id"`
	Code      string    `json:"code"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	VisitedAt time.Time `json:"visited_at"`
}

// ClientInfo carries the caller metadata captured on redirect.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// Stats is the aggregate view of a link and its visits.
type Stats struct {
	Link       Link
	Expired    bool
	VisitCount int64
	Visits     []Visit
}
