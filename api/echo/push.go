package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core/push"
)

type (
	subscriptionKeysInput struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	}

	subscriptionInput struct {
		Endpoint string                `json:"endpoint" validate:"required,url"`
		Keys     subscriptionKeysInput `json:"keys"`
	}
)

type pushAPI struct {
	svc      *push.Service
	validate *validator.Validate
}

func registerPushAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *push.Service, validate *validator.Validate) {
	api := pushAPI{svc: svc, validate: validate}
	g.POST("/push/subscriptions", api.subscribe, jwt)
}

// subscribe upserts the caller's push subscription: re-subscribing with an
// already-known handle refreshes the stored row instead of duplicating it.
func (api pushAPI) subscribe(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var input subscriptionInput
	if err = ctx.Bind(&input); err != nil {
		return err
	}
	if err = api.validate.Struct(input); err != nil {
		return err
	}

	sub, err := api.svc.SaveSubscription(ctx.Request().Context(), claims.Subject, push.Handle{
		Endpoint: input.Endpoint,
		P256dh:   input.Keys.P256dh,
		Auth:     input.Keys.Auth,
	})
	if err != nil {
		return errors.Wrap(err, "saving push subscription")
	}
	return ctx.JSON(http.StatusOK, sub)
}
