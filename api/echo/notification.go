package echoapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/kmutati/jamii/core/notification"
)

type notificationAPI struct {
	hub *SessionHub
}

func registerNotificationAPI(g *echo.Group, jwt echo.MiddlewareFunc, hub *SessionHub) {
	api := notificationAPI{hub: hub}

	ng := g.Group("/notifications", jwt)
	ng.GET("", api.list)
	ng.GET("/unread-count", api.unreadCount)
	ng.GET("/stream", api.stream)
	ng.PATCH("/:id/read", api.markRead)
	ng.POST("/read-all", api.markAllRead)
}

func (api notificationAPI) session(ctx echo.Context) (*Session, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := api.hub.Get(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return nil, errors.Wrap(err, "opening session")
	}
	return sess, nil
}

func (api notificationAPI) list(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sess.Feed.List())
}

func (api notificationAPI) unreadCount(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{"unread": sess.Feed.UnreadCount()})
}

func (api notificationAPI) markRead(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	if err = sess.Feed.MarkRead(ctx.Request().Context(), ctx.Param("id")); err != nil {
		if errors.Cause(err) == notification.ErrNotFound {
			return errHttpNotFound
		}
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api notificationAPI) markAllRead(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}
	if err = sess.Feed.MarkAllRead(ctx.Request().Context()); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

// stream pushes a server-sent event on every feed change; the client
// re-pulls the feed on each signal.
func (api notificationAPI) stream(ctx echo.Context) error {
	sess, err := api.session(ctx)
	if err != nil {
		return err
	}

	id, changes := sess.Feed.Subscribe()
	defer sess.Feed.Unsubscribe(id)

	resp := ctx.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	for {
		select {
		case <-ctx.Request().Context().Done():
			return nil
		case <-changes:
			if _, err := fmt.Fprint(resp, "event: change\ndata: {}\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
