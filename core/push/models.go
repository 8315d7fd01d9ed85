package push

import (
	"encoding/json"
	"time"

	"github.com/kmutati/jamii/core"
)

// Permission is the tri-state result of the platform's notification prompt.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Handle is the platform-issued subscription: a delivery endpoint plus the
// encryption keys the delivery service requires.
type Handle struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	P256dh   string `json:"p256dh" validate:"required"`
	Auth     string `json:"auth" validate:"required"`
}

// Subscription is the server-persisted form of a Handle. At most one row
// exists per user; re-subscribing upserts (last write wins).
type Subscription struct {
	ID          string    `json:"id"`
	UserID      string    `json:"-"`
	Endpoint    string    `json:"endpoint"`
	P256dh      string    `json:"-"`
	Auth        string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`   // UTC
	ValidatedAt time.Time `json:"validated_at"` // UTC; bumped on every session re-upsert
}

// Payload is the inbound push message format. All fields are optional;
// defaults are filled in by Notice.
type Payload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty" validate:"omitempty,app_url"`
}

// ParsePayload decodes a JSON payload. A malformed payload is not an
// error: the raw bytes become the display body (best-effort, logged by
// the caller).
func ParsePayload(data []byte) (Payload, bool) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{Body: string(data)}, false
	}
	return p, true
}

// Notice is the platform-level notification actually displayed. URL is an
// opaque data field consumed only by the click handler.
type Notice struct {
	Tag   string
	Title string
	Body  string
	Icon  string
	Badge string
	URL   string
}

const defaultIcon = "/logo192.png"

// Notice fills in the documented defaults: generic title/body, app logo
// icon and badge, app root url.
func (p Payload) Notice(conf *core.Config) Notice {
	n := Notice{
		Title: p.Title,
		Body:  p.Body,
		Icon:  p.Icon,
		Badge: defaultIcon,
		URL:   p.URL,
	}
	if n.Title == "" {
		n.Title = conf.AppName
	}
	if n.Body == "" {
		n.Body = "You have a new notification."
	}
	if n.Icon == "" {
		n.Icon = defaultIcon
	}
	if n.URL == "" {
		n.URL = "/"
	}
	return n
}
