package repository

import (
	"context"
	"time"

	"github.com/jwalitptl/receipt-notify/internal/model"
)

// All repository interfaces in one file
type (
	// NotificationRepository is the notifications table plus the stats
	// procedure. Every call is scoped to the recipient userID.
	NotificationRepository interface {
		List(ctx context.Context, userID string, filters *model.Filters, limit, offset int) ([]*model.Notification, error)
		MarkRead(ctx context.Context, userID, id string, at time.Time) error
		MarkAllRead(ctx context.Context, userID string, teamID *string, at time.Time) (int64, error)
		Archive(ctx context.Context, userID, id string, at time.Time) error
		Delete(ctx context.Context, userID, id string) error
		Create(ctx context.Context, notification *model.Notification) (string, error)
		Stats(ctx context.Context, userID string, teamID *string) (*model.Stats, error)
	}

	// PreferenceRepository wraps the preference procedures. Get returns
	// nil, nil when the user has no stored record.
	PreferenceRepository interface {
		Get(ctx context.Context, userID string) (*model.Preferences, error)
		Upsert(ctx context.Context, userID string, changes map[string]any) (*model.Preferences, error)
	}
)
