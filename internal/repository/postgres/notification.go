package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/repository"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
)

const notificationColumns = `id, recipient_id, team_id, type, priority, title, message, action_url,
	read_at, archived_at, related_entity_type, related_entity_id, metadata, created_at, expires_at`

type notificationRepository struct {
	db *sqlx.DB
}

func NewNotificationRepository(db *sqlx.DB) repository.NotificationRepository {
	return &notificationRepository{db: db}
}

// notificationRow mirrors the notifications table.
type notificationRow struct {
	ID                string         `db:"id"`
	RecipientID       string         `db:"recipient_id"`
	TeamID            sql.NullString `db:"team_id"`
	Type              string         `db:"type"`
	Priority          string         `db:"priority"`
	Title             string         `db:"title"`
	Message           string         `db:"message"`
	ActionURL         sql.NullString `db:"action_url"`
	ReadAt            pq.NullTime    `db:"read_at"`
	ArchivedAt        pq.NullTime    `db:"archived_at"`
	RelatedEntityType sql.NullString `db:"related_entity_type"`
	RelatedEntityID   sql.NullString `db:"related_entity_id"`
	Metadata          types.JSONText `db:"metadata"`
	CreatedAt         time.Time      `db:"created_at"`
	ExpiresAt         pq.NullTime    `db:"expires_at"`
}

func (r *notificationRow) toModel() (*model.Notification, error) {
	typ, err := model.ParseNotificationType(r.Type)
	if err != nil {
		return nil, apperrors.Parse("notification row", err)
	}
	priority, err := model.ParsePriority(r.Priority)
	if err != nil {
		return nil, apperrors.Parse("notification row", err)
	}

	n := &model.Notification{
		ID:                r.ID,
		RecipientID:       r.RecipientID,
		TeamID:            nullString(r.TeamID),
		Type:              typ,
		Priority:          priority,
		Title:             r.Title,
		Message:           r.Message,
		ActionURL:         nullString(r.ActionURL),
		ReadAt:            nullTime(r.ReadAt),
		ArchivedAt:        nullTime(r.ArchivedAt),
		RelatedEntityType: nullString(r.RelatedEntityType),
		RelatedEntityID:   nullString(r.RelatedEntityID),
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         nullTime(r.ExpiresAt),
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		var meta model.JSONMap
		if err := r.Metadata.Unmarshal(&meta); err != nil {
			return nil, apperrors.Parse("notification metadata", err)
		}
		n.Metadata = meta
	}
	return n, nil
}

// args collects positional parameters while a query is assembled.
type args []interface{}

func (a *args) add(v interface{}) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func buildListQuery(userID string, filters *model.Filters, limit, offset int) (string, []interface{}) {
	var params args
	where := []string{
		"recipient_id = " + params.add(userID),
		"(expires_at IS NULL OR expires_at > NOW())",
	}

	if filters == nil || !filters.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if filters != nil {
		if filters.UnreadOnly {
			where = append(where, "read_at IS NULL")
		}
		if filters.TeamID != nil {
			where = append(where, "team_id = "+params.add(*filters.TeamID))
		}
		if filters.Priority != nil {
			where = append(where, "priority = "+params.add(filters.Priority.String()))
		}
		if len(filters.Types) > 0 {
			wire := make([]string, 0, len(filters.Types))
			for _, t := range filters.Types {
				wire = append(wire, t.String())
			}
			where = append(where, "type = ANY("+params.add(pq.Array(wire))+")")
		}
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s`,
		notificationColumns,
		strings.Join(where, " AND "),
		params.add(limit),
		params.add(offset),
	)
	return query, params
}

func (r *notificationRepository) List(ctx context.Context, userID string, filters *model.Filters, limit, offset int) ([]*model.Notification, error) {
	query, params := buildListQuery(userID, filters, limit, offset)

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, params...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	out := make([]*model.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", rows[i].ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	query := `
		UPDATE notifications
		SET read_at = $3
		WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, userID, at); err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string, teamID *string, at time.Time) (int64, error) {
	query := `
		UPDATE notifications
		SET read_at = $2
		WHERE recipient_id = $1 AND read_at IS NULL
	`
	params := []interface{}{userID, at}
	if teamID != nil {
		query += " AND team_id = $3"
		params = append(params, *teamID)
	}

	result, err := r.db.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected()
}

func (r *notificationRepository) Archive(ctx context.Context, userID, id string, at time.Time) error {
	query := `
		UPDATE notifications
		SET archived_at = COALESCE(archived_at, $3)
		WHERE id = $1 AND recipient_id = $2
	`
	result, err := r.db.ExecContext(ctx, query, id, userID, at)
	if err != nil {
		return fmt.Errorf("failed to archive notification: %w", err)
	}
	return requireAffected(result, id)
}

func (r *notificationRepository) Delete(ctx context.Context, userID, id string) error {
	query := `DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`
	result, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return requireAffected(result, id)
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) (string, error) {
	if n == nil {
		return "", fmt.Errorf("notification cannot be nil")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	metadata := []byte("{}")
	if n.Metadata != nil {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = b
	}

	query := `
		INSERT INTO notifications (
			id, recipient_id, team_id, type, priority, title, message, action_url,
			related_entity_type, related_entity_id, metadata, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	var id string
	err := r.db.QueryRowxContext(ctx, query,
		n.ID,
		n.RecipientID,
		n.TeamID,
		n.Type.String(),
		n.Priority.String(),
		n.Title,
		n.Message,
		n.ActionURL,
		n.RelatedEntityType,
		n.RelatedEntityID,
		types.JSONText(metadata),
		n.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to create notification: %w", err)
	}
	return id, nil
}

func (r *notificationRepository) Stats(ctx context.Context, userID string, teamID *string) (*model.Stats, error) {
	query := `
		SELECT total, unread, unread_high_priority, archived
		FROM get_notification_stats($1, $2)
	`
	var stats model.Stats
	if err := r.db.GetContext(ctx, &stats, query, userID, teamID); err != nil {
		return nil, fmt.Errorf("failed to get notification stats: %w", err)
	}
	return &stats, nil
}

func requireAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("notification "+id, nil)
	}
	return nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t pq.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
