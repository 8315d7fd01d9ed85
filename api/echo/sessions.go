package echoapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/notification"
	"github.com/kmutati/jamii/realtime"
)

type (
	SessionDeps struct {
		NotificationRepo notification.Repository
		Logger           core.Logger
		// NewSource opens the user's filtered realtime subscription;
		// nil disables realtime (tests).
		NewSource func(userID string) (realtime.Source, error)
	}

	// Session is the per-signed-in-user state: one feed controller and one
	// realtime listener. Both live and die together.
	Session struct {
		UserID   string
		Feed     *notification.Service
		listener *realtime.Listener
	}

	SessionHub struct {
		deps SessionDeps

		mu       sync.Mutex
		sessions map[string]*Session
	}
)

func NewSessionHub(deps SessionDeps) *SessionHub {
	return &SessionHub{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Get returns the user's session, creating it on first use: the feed is
// hydrated from the authoritative store and the realtime subscription
// opened, filtered server-side to this user's rows.
func (hub *SessionHub) Get(ctx context.Context, userID string) (*Session, error) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if sess, ok := hub.sessions[userID]; ok {
		return sess, nil
	}

	feed := notification.NewService(hub.deps.NotificationRepo, hub.deps.Logger, userID)
	if err := feed.Refresh(ctx); err != nil {
		return nil, errors.Wrap(err, "hydrating feed")
	}

	sess := &Session{UserID: userID, Feed: feed}
	if hub.deps.NewSource != nil {
		src, err := hub.deps.NewSource(userID)
		if err != nil {
			// feed still works without realtime; the next session retries
			hub.deps.Logger.Warn(fmt.Sprintf("opening realtime subscription for %s: %v", userID, err), err)
		} else {
			sess.listener = realtime.NewListener(src, feed, hub.deps.Logger)
			go sess.listener.Run()
		}
	}

	hub.sessions[userID] = sess
	return sess, nil
}

// End tears the session down: the realtime subscription is explicitly
// unsubscribed, never leaked.
func (hub *SessionHub) End(userID string) {
	hub.mu.Lock()
	sess, ok := hub.sessions[userID]
	delete(hub.sessions, userID)
	hub.mu.Unlock()

	if ok && sess.listener != nil {
		if err := sess.listener.Close(); err != nil {
			hub.deps.Logger.Warn(fmt.Sprintf("closing realtime subscription for %s: %v", userID, err), err)
		}
	}
}

// Close ends every open session.
func (hub *SessionHub) Close() {
	hub.mu.Lock()
	ids := make([]string, 0, len(hub.sessions))
	for id := range hub.sessions {
		ids = append(ids, id)
	}
	hub.mu.Unlock()

	for _, id := range ids {
		hub.End(id)
	}
}
