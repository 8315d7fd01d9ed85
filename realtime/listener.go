// Package realtime mirrors server-side row-insert events for the signed-in
// user into the local feed, without polling, over Postgres LISTEN/NOTIFY.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/notification"
)

// Event is the payload the insert triggers NOTIFY with.
type Event struct {
	Table        string                     `json:"table"`
	Notification *notification.Notification `json:"notification,omitempty"`
	ChatMessage  *notification.ChatMessage  `json:"chat_message,omitempty"`
}

// ChannelForUser names the per-user NOTIFY channel; filtering happens
// server-side by channel name.
func ChannelForUser(userID string) string {
	return "notify_user_" + userID
}

// Source is one live, filtered event subscription.
type Source interface {
	Events() <-chan []byte
	Close() error
}

// pqSource adapts lib/pq's listener. Reconnection after a network blip is
// pq's responsibility; no retry logic lives here.
type pqSource struct {
	listener *pq.Listener
	out      chan []byte
	done     chan struct{}
}

func NewPQSource(conninfo, channel string, logger core.Logger) (Source, error) {
	listener := pq.NewListener(conninfo, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn(fmt.Sprintf("realtime listener event %d: %v", ev, err), err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, errors.Wrapf(err, "listening on %s", channel)
	}

	src := &pqSource{
		listener: listener,
		out:      make(chan []byte),
		done:     make(chan struct{}),
	}
	go src.pump()
	return src, nil
}

func (src *pqSource) pump() {
	defer close(src.out)
	for {
		select {
		case <-src.done:
			return
		case n, ok := <-src.listener.Notify:
			if !ok {
				return
			}
			if n == nil { // reconnect marker
				continue
			}
			select {
			case src.out <- []byte(n.Extra):
			case <-src.done:
				return
			}
		}
	}
}

func (src *pqSource) Events() <-chan []byte {
	return src.out
}

func (src *pqSource) Close() error {
	close(src.done)
	return src.listener.Close()
}

// Listener consumes one Source for one signed-in session and feeds the
// notification feed controller. It must be closed on sign-out or teardown;
// a user change requires a brand new Listener, not a re-point.
type Listener struct {
	src    Source
	feed   *notification.Service
	logger core.Logger
	done   chan struct{}
}

func NewListener(src Source, feed *notification.Service, logger core.Logger) *Listener {
	return &Listener{
		src:    src,
		feed:   feed,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run consumes events until the source closes or Close is called.
func (l *Listener) Run() {
	for {
		select {
		case <-l.done:
			return
		case data, ok := <-l.src.Events():
			if !ok {
				return
			}
			l.handle(data)
		}
	}
}

func (l *Listener) handle(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		l.logger.Warn(fmt.Sprintf("malformed realtime payload: %v", err), err)
		return
	}

	switch {
	case ev.Notification != nil:
		n := *ev.Notification
		n.Origin = notification.OriginRealtime
		l.feed.Add(n)
		l.feed.PushToast(n.Message, notification.SeverityInfo)
	case ev.ChatMessage != nil:
		l.feed.PushToast("New message: "+ev.ChatMessage.Body, notification.SeverityInfo)
	default:
		l.logger.Warn(fmt.Sprintf("realtime event for unknown table %q", ev.Table))
	}
}

// Close tears the subscription down; leaking it would keep delivering a
// prior user's events and leak the underlying connection.
func (l *Listener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	return l.src.Close()
}
