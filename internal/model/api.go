package model

// CreateLinkRequest represents the request body for creating a short URL
type CreateLinkRequest struct {
	URL        string  `json:"url"`
	CustomCode string  `json:"custom_code,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"` // RFC 3339
	ExpiresIn  int64   `json:"expires_in,omitempty"` // Duration in seconds
}

// CreateLinkResponse represents the response for a created short URL
type CreateLinkResponse struct {
	Code        string `json:"code"`
	ShortURL    string `json:"short_url"`
	OriginalURL string `json:"original_url"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// VisitResponse is one entry of the recent visits list
type VisitResponse struct {
	IPAddress *string `json:"ip_address,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`
	VisitedAt string  `json:"visited_at"`
}

// StatsResponse represents the aggregate statistics for a short URL
type StatsResponse struct {
	Code        string          `json:"code"`
	ShortURL    string          `json:"short_url"`
	OriginalURL string          `json:"original_url"`
	CreatedAt   string          `json:"created_at"`
	ExpiresAt   string          `json:"expires_at,omitempty"`
	Expired     bool            `json:"expired"`
	VisitCount  int64           `json:"visit_count"`
	Visits      []VisitResponse `json:"visits"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
