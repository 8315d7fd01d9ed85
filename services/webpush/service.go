// Package webpushsvc delivers payloads to stored push subscriptions via
// the Web Push protocol (VAPID).
package webpushsvc

import (
	"context"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/push"
)

type service struct {
	conf   *core.Config
	logger core.Logger
}

var _ push.Deliverer = (*service)(nil)

func NewService(conf *core.Config, logger core.Logger) *service {
	return &service{conf: conf, logger: logger}
}

func (svc service) Deliver(ctx context.Context, sub push.Subscription, payload []byte) error {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      svc.conf.Push.Contact,
		VAPIDPublicKey:  svc.conf.Push.VAPIDPublicKey,
		VAPIDPrivateKey: svc.conf.Push.VAPIDPrivateKey,
		TTL:             svc.conf.Push.TTL,
	})
	if err != nil {
		return errors.Wrap(err, "sending web push")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// the delivery service no longer knows this endpoint
		return push.ErrSubscriptionGone
	case resp.StatusCode >= http.StatusBadRequest:
		return errors.Errorf("web push rejected: status %d", resp.StatusCode)
	}
	return nil
}
