package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/kmutati/jamii/core/notification"
)

func CreateNotification(
	t *testing.T,
	repo notification.Repository,
	userID, message string,
	read bool,
	createdAt ...time.Time,
) notification.Notification {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	n, err := repo.CreateNotification(context.Background(), notification.Notification{
		UserID:    userID,
		Message:   message,
		Read:      read,
		Origin:    notification.OriginRealtime,
		CreatedAt: tstamp,
	})
	if err != nil {
		t.Fatalf("createNotification() failed: %v", err)
	}
	return n
}
