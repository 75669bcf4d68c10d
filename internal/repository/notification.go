package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sumire/notifications/internal/domain"
)

// createBatchSize bounds the rows per insert statement so a bulk insert stays
// under the 65535 bind parameters PostgreSQL accepts.
const createBatchSize = 1000

const notificationColumns = `id, user_id, title, body, type, data, status, priority, channel_id, ticket_id,
		        sent_at, delivered_at, read_at, error_message, created_at, updated_at`

// NotificationRepository handles notification data access operations.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification in the pending state.
func (r *NotificationRepository) Create(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	var result domain.Notification
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO notifications (id, user_id, title, body, type, data, status, priority, channel_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+notificationColumns,
		uuid.NewString(), n.UserID, n.Title, n.Body, n.Type, n.Data, domain.StatusPending, n.Priority, n.ChannelID,
	).StructScan(&result)
	if err != nil {
		return nil, persistenceErr("create notification", err)
	}
	return &result, nil
}

// CreateMany inserts all notifications in one transaction, createBatchSize rows
// per statement, and returns them with ids assigned.
func (r *NotificationRepository) CreateMany(ctx context.Context, ns []domain.Notification) ([]domain.Notification, error) {
	if len(ns) == 0 {
		return nil, nil
	}

	now := time.Now()
	rows := make([]domain.Notification, len(ns))
	for i, n := range ns {
		n.ID = uuid.NewString()
		n.Status = domain.StatusPending
		n.CreatedAt = now
		n.UpdatedAt = now
		rows[i] = n
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, persistenceErr("begin create notifications", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(rows); start += createBatchSize {
		end := min(start+createBatchSize, len(rows))
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO notifications (id, user_id, title, body, type, data, status, priority, channel_id, created_at, updated_at)
			 VALUES (:id, :user_id, :title, :body, :type, :data, :status, :priority, :channel_id, :created_at, :updated_at)`,
			rows[start:end])
		if err != nil {
			return nil, persistenceErr("create notifications", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistenceErr("commit notifications", err)
	}
	return rows, nil
}

// MarkSent moves a pending notification to sent and records the gateway ticket id.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string, ticketID *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = $2, sent_at = NOW(), ticket_id = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4::text[])`,
		id, domain.StatusSent, ticketID, sourceStatuses(domain.StatusSent))
	if err != nil {
		return persistenceErr("mark notification sent", err)
	}
	return nil
}

// MarkFailed moves a pending notification to failed with the given reason.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = $2, error_message = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4::text[])`,
		id, domain.StatusFailed, reason, sourceStatuses(domain.StatusFailed))
	if err != nil {
		return persistenceErr("mark notification failed", err)
	}
	return nil
}

// MarkManySent moves every listed pending notification to sent.
func (r *NotificationRepository) MarkManySent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = $1, sent_at = NOW(), updated_at = NOW()
		 WHERE id = ANY($2::uuid[]) AND status = ANY($3::text[])`,
		domain.StatusSent, ids, sourceStatuses(domain.StatusSent))
	if err != nil {
		return persistenceErr("mark notifications sent", err)
	}
	return nil
}

// sourceStatuses lists the statuses a row may hold to be moved to next.
func sourceStatuses(next domain.NotificationStatus) []string {
	from := domain.TransitionSources(next)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// List returns one page of a user's notifications, newest first, and the
// total number of matching rows.
func (r *NotificationRepository) List(ctx context.Context, f domain.NotificationFilter) ([]domain.Notification, int64, error) {
	where := []string{"user_id = $1"}
	args := []any{f.UserID}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Type != nil {
		args = append(args, *f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM notifications WHERE `+cond, args...); err != nil {
		return nil, 0, persistenceErr("count notifications", err)
	}

	items := []domain.Notification{}
	pageArgs := append(args, f.Limit, f.Offset)
	err := r.db.SelectContext(ctx, &items,
		fmt.Sprintf(`SELECT %s FROM notifications WHERE %s
		 ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			notificationColumns, cond, len(args)+1, len(args)+2),
		pageArgs...)
	if err != nil {
		return nil, 0, persistenceErr("list notifications", err)
	}
	return items, total, nil
}

// CountUnread returns how many of a user's notifications are not read.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND status <> $2`,
		userID, domain.StatusRead)
	if err != nil {
		return 0, persistenceErr("count unread notifications", err)
	}
	return n, nil
}

// MarkRead sets a notification owned by userID to read. The first read_at is
// kept on repeated calls.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID int64, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = $3, read_at = COALESCE(read_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2`,
		id, userID, domain.StatusRead)
	if err != nil {
		return persistenceErr("mark notification read", err)
	}
	return requireRow(res, "mark notification read")
}

// MarkAllRead sets every non-read notification of a user to read.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = $2, read_at = NOW(), updated_at = NOW()
		 WHERE user_id = $1 AND status <> $2`,
		userID, domain.StatusRead)
	if err != nil {
		return 0, persistenceErr("mark all notifications read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistenceErr("mark all notifications read", err)
	}
	return n, nil
}

// Delete hard-deletes a notification owned by userID.
func (r *NotificationRepository) Delete(ctx context.Context, userID int64, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return persistenceErr("delete notification", err)
	}
	return requireRow(res, "delete notification")
}

// Stats counts notifications created inside rng by status and by type.
func (r *NotificationRepository) Stats(ctx context.Context, rng domain.DateRange) (*domain.Stats, error) {
	where := []string{"TRUE"}
	var args []any
	if rng.Start != nil {
		args = append(args, *rng.Start)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if rng.End != nil {
		args = append(args, *rng.End)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	stats := &domain.Stats{
		ByStatus: map[domain.NotificationStatus]int64{},
		ByType:   map[domain.NotificationType]int64{},
	}

	var byStatus []struct {
		Key   domain.NotificationStatus `db:"key"`
		Count int64                     `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &byStatus,
		`SELECT status AS key, COUNT(*) AS count FROM notifications WHERE `+cond+` GROUP BY status`, args...); err != nil {
		return nil, persistenceErr("count notifications by status", err)
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Key] = row.Count
		stats.Total += row.Count
	}

	var byType []struct {
		Key   domain.NotificationType `db:"key"`
		Count int64                   `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &byType,
		`SELECT type AS key, COUNT(*) AS count FROM notifications WHERE `+cond+` GROUP BY type`, args...); err != nil {
		return nil, persistenceErr("count notifications by type", err)
	}
	for _, row := range byType {
		stats.ByType[row.Key] = row.Count
	}

	return stats, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr(op, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
