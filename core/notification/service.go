package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/kmutati/jamii/core"
)

var (
	// errors
	ErrNotFound = errors.New("notification not found")
)

// ToastTTL is how long a toast stays in the feed before removing itself.
const ToastTTL = 5 * time.Second

type (
	Repository interface {
		CreateNotification(ctx context.Context, n Notification) (Notification, error)
		// QueryUserNotifications returns the user's persisted notifications,
		// newest first.
		QueryUserNotifications(ctx context.Context, userID string) ([]Notification, error)
		GetNotificationByID(ctx context.Context, id string) (Notification, error)
		MarkNotificationsRead(ctx context.Context, ids ...string) error
		MarkAllNotificationsRead(ctx context.Context, userID string) error
	}

	// Service is the feed controller for one signed-in session: it merges
	// persisted notifications and transient toasts into one ordered feed.
	// It must be torn down and re-created on user change, never re-pointed.
	Service struct {
		repo     Repository
		logger   core.Logger
		userID   string
		toastTTL time.Duration

		mu      sync.Mutex
		items   []Notification // persisted, newest first
		toasts  []Notification
		subs    map[int]chan struct{}
		nextSub int
		gate    *ConfirmGate
		online  bool
	}
)

func NewService(repo Repository, logger core.Logger, userID string) *Service {
	return &Service{
		repo:     repo,
		logger:   logger,
		userID:   userID,
		toastTTL: ToastTTL,
		subs:     make(map[int]chan struct{}),
		online:   true,
	}
}

func (svc *Service) UserID() string { return svc.userID }

// Refresh replaces the local feed with the authoritative persisted state.
func (svc *Service) Refresh(ctx context.Context) error {
	items, err := svc.repo.QueryUserNotifications(ctx, svc.userID)
	if err != nil {
		return pkgerrors.Wrap(err, "querying notifications")
	}
	svc.mu.Lock()
	svc.items = items
	svc.mu.Unlock()
	svc.notifyAll()
	return nil
}

// Add prepends a notification delivered by the push or realtime channel.
// The same record may arrive through both; de-duplicated by ID.
func (svc *Service) Add(n Notification) {
	svc.mu.Lock()
	for _, it := range svc.items {
		if it.ID == n.ID {
			svc.mu.Unlock()
			return
		}
	}
	svc.items = append([]Notification{n}, svc.items...)
	svc.mu.Unlock()
	svc.notifyAll()
}

// List returns all known feed items, newest first, live toasts included.
func (svc *Service) List() []Notification {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	all := make([]Notification, 0, len(svc.items)+len(svc.toasts))
	all = append(all, svc.toasts...)
	all = append(all, svc.items...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all
}

// UnreadCount excludes local-only toasts.
func (svc *Service) UnreadCount() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	var count int
	for _, n := range svc.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags the notification read locally and persists the change.
// On persistence failure the local flag is reverted and the feed re-fetched
// so local and persisted state never silently diverge. Idempotent.
func (svc *Service) MarkRead(ctx context.Context, id string) error {
	svc.mu.Lock()
	idx := -1
	for i, n := range svc.items {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		svc.mu.Unlock()
		return ErrNotFound
	}
	wasRead := svc.items[idx].Read
	svc.items[idx].Read = true
	svc.mu.Unlock()
	svc.notifyAll()

	if err := svc.repo.MarkNotificationsRead(ctx, id); err != nil {
		svc.mu.Lock()
		if idx < len(svc.items) && svc.items[idx].ID == id {
			svc.items[idx].Read = wasRead
		}
		svc.mu.Unlock()
		if rerr := svc.Refresh(ctx); rerr != nil {
			svc.logger.Error("re-fetching feed after failed mark-read", rerr)
		}
		return pkgerrors.Wrap(err, "marking notification read")
	}
	return nil
}

// MarkAllRead is the batch form of MarkRead, same contract.
func (svc *Service) MarkAllRead(ctx context.Context) error {
	svc.mu.Lock()
	prev := make([]bool, len(svc.items))
	for i := range svc.items {
		prev[i] = svc.items[i].Read
		svc.items[i].Read = true
	}
	svc.mu.Unlock()
	svc.notifyAll()

	if err := svc.repo.MarkAllNotificationsRead(ctx, svc.userID); err != nil {
		svc.mu.Lock()
		for i := range svc.items {
			if i < len(prev) {
				svc.items[i].Read = prev[i]
			}
		}
		svc.mu.Unlock()
		if rerr := svc.Refresh(ctx); rerr != nil {
			svc.logger.Error("re-fetching feed after failed mark-all-read", rerr)
		}
		return pkgerrors.Wrap(err, "marking all notifications read")
	}
	return nil
}

// PushToast adds a transient, non-persisted feed item for immediate user
// feedback. It removes itself after the toast TTL regardless of user action.
func (svc *Service) PushToast(message string, severity Severity) Notification {
	toast := Notification{
		ID:        uuid.New().String(),
		UserID:    svc.userID,
		Message:   message,
		Read:      true, // toasts never count as unread
		Origin:    OriginLocal,
		Severity:  severity,
		Transient: true,
		CreatedAt: time.Now().UTC(),
	}
	svc.mu.Lock()
	svc.toasts = append([]Notification{toast}, svc.toasts...)
	svc.mu.Unlock()
	svc.notifyAll()

	time.AfterFunc(svc.toastTTL, func() { svc.removeToast(toast.ID) })
	return toast
}

func (svc *Service) removeToast(id string) {
	svc.mu.Lock()
	for i, t := range svc.toasts {
		if t.ID == id {
			svc.toasts = append(svc.toasts[:i], svc.toasts[i+1:]...)
			break
		}
	}
	svc.mu.Unlock()
	svc.notifyAll()
}

// Confirm opens the modal yes/no gate. A second call while one is open
// replaces it: the previous gate resolves to cancel.
func (svc *Service) Confirm(message string) *ConfirmGate {
	gate := newConfirmGate(message)
	svc.mu.Lock()
	prev := svc.gate
	svc.gate = gate
	svc.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	return gate
}

// Subscribe registers a feed-change listener; sends are non-blocking so a
// slow consumer only coalesces signals, it never stalls producers.
func (svc *Service) Subscribe() (int, <-chan struct{}) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.nextSub++
	id := svc.nextSub
	ch := make(chan struct{}, 1)
	svc.subs[id] = ch
	return id, ch
}

func (svc *Service) Unsubscribe(id int) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	delete(svc.subs, id)
}

func (svc *Service) notifyAll() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, ch := range svc.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SetOnline records the runtime's network-status signal. It gates a UI
// affordance only; no operation here blocks on it.
func (svc *Service) SetOnline(online bool) {
	svc.mu.Lock()
	svc.online = online
	svc.mu.Unlock()
	svc.notifyAll()
}

func (svc *Service) Online() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.online
}

// ConfirmGate is a modal yes/no gate: it resolves to exactly one of
// confirm/cancel, never both.
type ConfirmGate struct {
	Message string

	once   sync.Once
	result chan bool
}

func newConfirmGate(message string) *ConfirmGate {
	return &ConfirmGate{Message: message, result: make(chan bool, 1)}
}

func (g *ConfirmGate) Confirm() { g.resolve(true) }
func (g *ConfirmGate) Cancel()  { g.resolve(false) }

func (g *ConfirmGate) resolve(confirmed bool) {
	g.once.Do(func() {
		g.result <- confirmed
		close(g.result)
	})
}

// Result yields the gate's single resolution.
func (g *ConfirmGate) Result() <-chan bool {
	return g.result
}
