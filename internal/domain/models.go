package domain

import "time"

// Fetch is the outcome of one catalog target run, as journaled and published.
type Fetch struct {
	TargetID    string    `json:"target_id"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	OK          bool      `json:"ok"`
	Code        int       `json:"code"`
	Message     string    `json:"message,omitempty"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Bytes       int64     `json:"bytes"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Output      string    `json:"output,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
