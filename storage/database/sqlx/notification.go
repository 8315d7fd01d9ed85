package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/kmutati/jamii/core/notification"
)

type notificationRow struct {
	ID        string      `db:"id"`
	UserID    string      `db:"user_id"`
	Message   string      `db:"message"`
	Link      null.String `db:"link"`
	Read      bool        `db:"read"`
	Origin    string      `db:"origin"`
	CreatedAt time.Time   `db:"created_at"`
}

func (row notificationRow) model() notification.Notification {
	return notification.Notification{
		ID:        row.ID,
		UserID:    row.UserID,
		Message:   row.Message,
		Link:      row.Link.String,
		Read:      row.Read,
		Origin:    notification.Origin(row.Origin),
		CreatedAt: row.CreatedAt,
	}
}

type notificationRepository struct {
	db *sqlx.DB
}

var _ notification.Repository = (*notificationRepository)(nil) // interface compliance check

func NewNotificationRepository(db *sqlx.DB) *notificationRepository {
	return &notificationRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to notification.ErrNotFound
func (repo notificationRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return notification.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo notificationRepository) CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Origin == "" {
		n.Origin = notification.OriginRealtime
	}

	const query = `
		INSERT INTO notification (id, user_id, message, link, read, origin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := repo.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.Message, null.NewString(n.Link, n.Link != ""), n.Read, string(n.Origin), n.CreatedAt.UTC(),
	)
	if err != nil {
		return notification.Notification{}, errors.Wrap(err, "inserting notification")
	}
	return n, nil
}

func (repo notificationRepository) QueryUserNotifications(ctx context.Context, userID string) ([]notification.Notification, error) {
	const query = `
		SELECT id, user_id, message, link, read, origin, created_at
		FROM notification
		WHERE user_id = $1
		ORDER BY created_at DESC`
	var rows []notificationRow
	if err := repo.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}

	items := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.model())
	}
	return items, nil
}

func (repo notificationRepository) GetNotificationByID(ctx context.Context, id string) (notification.Notification, error) {
	const query = `
		SELECT id, user_id, message, link, read, origin, created_at
		FROM notification
		WHERE id = $1`
	var row notificationRow
	if err := repo.db.GetContext(ctx, &row, query, id); err != nil {
		return notification.Notification{}, repo.trapNoRowsErr(err, "getting notification")
	}
	return row.model(), nil
}

// MarkNotificationsRead is idempotent: rows already read are left untouched.
func (repo notificationRepository) MarkNotificationsRead(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE notification SET read = true WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "building mark-read query")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "marking notifications read")
	}
	return nil
}

func (repo notificationRepository) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	const query = `UPDATE notification SET read = true WHERE user_id = $1 AND NOT read`
	if _, err := repo.db.ExecContext(ctx, query, userID); err != nil {
		return errors.Wrap(err, "marking all notifications read")
	}
	return nil
}
