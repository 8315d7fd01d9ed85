package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/notification"
)

var (
	// errors
	ErrNotFound         = errors.New("push subscription not found")
	ErrSubscriptionGone = errors.New("push subscription no longer valid")
	ErrNotSubscribed    = errors.New("platform subscribe failed")
)

type (
	Repository interface {
		// UpsertSubscription replaces any existing row for the subscription's
		// user ("replace on conflict", keyed by user id).
		UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
		GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error)
		DeleteSubscriptionByUser(ctx context.Context, userID string) error
	}

	// Prompter is the host permission prompt.
	Prompter interface {
		RequestPermission(ctx context.Context) (Permission, error)
	}

	// Platform is the push delivery service's subscribe surface.
	Platform interface {
		// Subscription returns the live handle if the agent already holds one.
		Subscription(ctx context.Context) (Handle, bool, error)
		Subscribe(ctx context.Context, vapidPublicKey string) (Handle, error)
	}

	// Display shows and dismisses platform-level notifications. Show must
	// complete before the triggering push event is considered handled.
	Display interface {
		Show(ctx context.Context, n Notice) error
		Dismiss(ctx context.Context, tag string) error
	}

	// Window is one open client window.
	Window interface {
		URL() string
		Focus(ctx context.Context) error
	}

	// WindowClients enumerates and opens client windows for click handling.
	WindowClients interface {
		MatchAll(ctx context.Context) ([]Window, error)
		OpenWindow(ctx context.Context, url string) (Window, error)
	}

	// Deliverer sends an encrypted payload to one stored subscription.
	Deliverer interface {
		Deliver(ctx context.Context, sub Subscription, payload []byte) error
	}

	// Toaster surfaces recoverable, user-visible failures.
	Toaster interface {
		PushToast(message string, severity notification.Severity) notification.Notification
	}

	// ServiceDeps wires the broker's external capability collaborators.
	// Prompter, Platform, Display and Windows belong to the client runtime
	// and stay nil in server-only wiring; Deliverer and Mail belong to the
	// delivery side and stay nil in client-only wiring.
	ServiceDeps struct {
		Repo      Repository
		Prompter  Prompter
		Platform  Platform
		Display   Display
		Windows   WindowClients
		Deliverer Deliverer
		Mail      core.EmailService
		Conf      *core.Config
		Logger    core.Logger
	}

	Service struct {
		repo      Repository
		prompter  Prompter
		platform  Platform
		display   Display
		windows   WindowClients
		deliverer Deliverer
		mailSvc   core.EmailService
		conf      *core.Config
		logger    core.Logger

		mu         sync.Mutex
		permission Permission
	}
)

func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:       deps.Repo,
		prompter:   deps.Prompter,
		platform:   deps.Platform,
		display:    deps.Display,
		windows:    deps.Windows,
		deliverer:  deps.Deliverer,
		mailSvc:    deps.Mail,
		conf:       deps.Conf,
		logger:     deps.Logger,
		permission: PermissionDefault,
	}
}

func (svc *Service) Permission() Permission {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.permission
}

// RequestPermission asks the runtime for notification permission and records
// the tri-state result. On granted it immediately ensures a subscription.
func (svc *Service) RequestPermission(ctx context.Context, userID string, toaster Toaster) (Permission, error) {
	perm, err := svc.prompter.RequestPermission(ctx)
	if err != nil {
		return PermissionDefault, pkgerrors.Wrap(err, "requesting notification permission")
	}
	svc.mu.Lock()
	svc.permission = perm
	svc.mu.Unlock()

	switch perm {
	case PermissionGranted:
		if err := svc.EnsureSubscribed(ctx, userID, toaster); err != nil {
			return perm, err
		}
	case PermissionDenied:
		if toaster != nil {
			toaster.PushToast("Notifications are blocked for this site.", notification.SeverityWarning)
		}
	}
	return perm, nil
}

// EnsureSubscribed reuses the agent's live subscription handle if present,
// otherwise requests a new one from the push service, then upserts it
// server-side keyed by user id. Failure is non-fatal: it surfaces as one
// toast and is not retried until the next session.
func (svc *Service) EnsureSubscribed(ctx context.Context, userID string, toaster Toaster) error {
	handle, ok, err := svc.platform.Subscription(ctx)
	if err == nil && !ok {
		handle, err = svc.platform.Subscribe(ctx, svc.conf.Push.VAPIDPublicKey)
	}
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("push subscribe failed: %v", err), err)
		if toaster != nil {
			toaster.PushToast("Could not enable push notifications.", notification.SeverityWarning)
		}
		return nil
	}

	if _, err = svc.SaveSubscription(ctx, userID, handle); err != nil {
		svc.logger.Warn(fmt.Sprintf("persisting push subscription: %v", err), err)
		if toaster != nil {
			toaster.PushToast("Could not enable push notifications.", notification.SeverityWarning)
		}
		return nil
	}
	return nil
}

// SaveSubscription upserts the handle for the user; also the endpoint
// behind POST /v1/push/subscriptions.
func (svc *Service) SaveSubscription(ctx context.Context, userID string, handle Handle) (Subscription, error) {
	now := time.Now().UTC()
	sub := Subscription{
		ID:          uuid.New().String(),
		UserID:      userID,
		Endpoint:    handle.Endpoint,
		P256dh:      handle.P256dh,
		Auth:        handle.Auth,
		CreatedAt:   now,
		ValidatedAt: now,
	}
	saved, err := svc.repo.UpsertSubscription(ctx, sub)
	if err != nil {
		return Subscription{}, pkgerrors.Wrap(err, "upserting push subscription")
	}
	return saved, nil
}

// HandlePush converts an inbound push payload into a displayed platform
// notification. The display call is awaited so the triggering event stays
// alive until the notification is shown.
func (svc *Service) HandlePush(ctx context.Context, data []byte) error {
	payload, ok := ParsePayload(data)
	if !ok {
		svc.logger.Warn("malformed push payload, displaying as plain text")
	}
	notice := payload.Notice(svc.conf)
	if err := svc.display.Show(ctx, notice); err != nil {
		return pkgerrors.Wrap(err, "displaying notification")
	}
	return nil
}

// HandleClick dismisses the clicked notification, then focuses the client
// window already open at the notice's deep-link or opens exactly one new one.
func (svc *Service) HandleClick(ctx context.Context, notice Notice) error {
	if err := svc.display.Dismiss(ctx, notice.Tag); err != nil {
		svc.logger.Warn(fmt.Sprintf("dismissing notification: %v", err), err)
	}

	target := svc.resolveURL(notice.URL)
	wins, err := svc.windows.MatchAll(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "listing client windows")
	}
	for _, w := range wins {
		if w.URL() == target {
			return pkgerrors.Wrap(w.Focus(ctx), "focusing window")
		}
	}
	if _, err = svc.windows.OpenWindow(ctx, target); err != nil {
		return pkgerrors.Wrap(err, "opening window")
	}
	return nil
}

// resolveURL resolves a deep-link against the app's origin.
func (svc *Service) resolveURL(raw string) string {
	base, err := url.Parse(svc.conf.FrontendBaseURL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return base.String()
	}
	return base.ResolveReference(ref).String()
}

// SendToUser delivers a payload to the user's stored subscription. A dead
// endpoint drops the stored row so the next session re-subscribes cleanly;
// a user with no subscription falls back to the email channel when an
// address is known.
func (svc *Service) SendToUser(ctx context.Context, userID, email string, payload Payload) error {
	sub, err := svc.repo.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		if err == ErrNotFound {
			svc.sendFallbackEmail(email, payload)
			return nil
		}
		return pkgerrors.Wrap(err, "loading push subscription")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(err, "encoding push payload")
	}
	if err = svc.deliverer.Deliver(ctx, sub, data); err != nil {
		if err == ErrSubscriptionGone {
			if derr := svc.repo.DeleteSubscriptionByUser(ctx, userID); derr != nil {
				svc.logger.Error("dropping dead push subscription", derr)
			}
			svc.sendFallbackEmail(email, payload)
			return nil
		}
		return pkgerrors.Wrap(err, "delivering push message")
	}
	return nil
}

func (svc *Service) sendFallbackEmail(email string, payload Payload) {
	email = core.CleanString(email, true)
	if svc.mailSvc == nil || email == "" {
		return
	}
	notice := payload.Notice(svc.conf)
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:          []mail.Address{{Address: email}},
		Subject:     notice.Title,
		TextContent: notice.Body,
		Link:        svc.resolveURL(notice.URL),
	})
}
