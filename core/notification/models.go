package notification

import "time"

// Origin is the channel a feed item arrived through.
type Origin string

const (
	OriginPush     Origin = "push"
	OriginRealtime Origin = "realtime"
	OriginLocal    Origin = "local"
)

// Severity only applies to local toasts.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notification struct {
	ID      string `json:"id"`
	UserID  string `json:"-"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
	// Read is monotonic: false -> true only.
	Read      bool      `json:"read"`
	Origin    Origin    `json:"origin"`
	Severity  Severity  `json:"severity,omitempty"`
	Transient bool      `json:"transient,omitempty"` // local toast, never persisted
	CreatedAt time.Time `json:"created_at"`          // UTC
}

// ChatMessage is the other row type mirrored by the realtime listener.
// It is toasted but never enters the persisted feed.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"` // UTC
}
