package publishers

import (
	"time"

	"github.com/samvad-hq/catalog-access/internal/domain"
)

// Event represents the payload published downstream once a target run ends.
type Event struct {
	TargetID    string    `json:"target_id"`
	URL         string    `json:"url"`
	OK          bool      `json:"ok"`
	Code        int       `json:"code"`
	Message     string    `json:"message,omitempty"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Bytes       int64     `json:"bytes"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewEvent constructs an Event from a journaled fetch outcome.
func NewEvent(f domain.Fetch) Event {
	completed := f.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	return Event{
		TargetID:    f.TargetID,
		URL:         f.URL,
		OK:          f.OK,
		Code:        f.Code,
		Message:     f.Message,
		HTTPStatus:  f.HTTPStatus,
		ContentType: f.ContentType,
		Bytes:       f.Bytes,
		Title:       f.Title,
		Description: f.Description,
		ImageURL:    f.ImageURL,
		CompletedAt: completed.UTC(),
	}
}

// attributes are the routing attributes attached to queue messages.
func (e Event) attributes() map[string]string {
	ok := "false"
	if e.OK {
		ok = "true"
	}
	return map[string]string{
		"target_id": e.TargetID,
		"ok":        ok,
	}
}
