package model

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
)

// Notification is one row of the backend notifications table.
// ReadAt and ArchivedAt only ever go from nil to set.
type Notification struct {
	ID                string           `json:"id"`
	RecipientID       string           `json:"recipient_id"`
	TeamID            *string          `json:"team_id,omitempty"`
	Type              NotificationType `json:"type"`
	Priority          Priority         `json:"priority"`
	Title             string           `json:"title"`
	Message           string           `json:"message"`
	ActionURL         *string          `json:"action_url,omitempty"`
	ReadAt            *time.Time       `json:"read_at,omitempty"`
	ArchivedAt        *time.Time       `json:"archived_at,omitempty"`
	RelatedEntityType *string          `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string          `json:"related_entity_id,omitempty"`
	Metadata          JSONMap          `json:"metadata,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
}

func (n *Notification) IsRead() bool     { return n.ReadAt != nil }
func (n *Notification) IsArchived() bool { return n.ArchivedAt != nil }

// IsExpired reports whether the notification has an expiry at or before now.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// InTeam reports whether the notification is scoped to teamID.
func (n *Notification) InTeam(teamID string) bool {
	return n.TeamID != nil && *n.TeamID == teamID
}

// Clone returns a deep copy so cached values can be handed out safely.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.TeamID = cloneString(n.TeamID)
	c.ActionURL = cloneString(n.ActionURL)
	c.RelatedEntityType = cloneString(n.RelatedEntityType)
	c.RelatedEntityID = cloneString(n.RelatedEntityID)
	c.ReadAt = cloneTime(n.ReadAt)
	c.ArchivedAt = cloneTime(n.ArchivedAt)
	c.ExpiresAt = cloneTime(n.ExpiresAt)
	if n.Metadata != nil {
		c.Metadata = make(JSONMap, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ToRow renders the notification in the backend row shape.
func (n *Notification) ToRow() map[string]any {
	row := map[string]any{
		"id":                  n.ID,
		"recipient_id":        n.RecipientID,
		"team_id":             optString(n.TeamID),
		"type":                n.Type.String(),
		"priority":            n.Priority.String(),
		"title":               n.Title,
		"message":             n.Message,
		"action_url":          optString(n.ActionURL),
		"read_at":             optTime(n.ReadAt),
		"archived_at":         optTime(n.ArchivedAt),
		"related_entity_type": optString(n.RelatedEntityType),
		"related_entity_id":   optString(n.RelatedEntityID),
		"metadata":            map[string]any(n.Metadata),
		"created_at":          FormatTime(n.CreatedAt),
		"expires_at":          optTime(n.ExpiresAt),
	}
	if n.Metadata == nil {
		row["metadata"] = map[string]any{}
	}
	return row
}

// ParseNotification builds a Notification from a backend row. Any schema
// mismatch is reported as apperrors.ErrParse.
func ParseNotification(row map[string]any) (*Notification, error) {
	if row == nil {
		return nil, apperrors.Parse("notification row", fmt.Errorf("row is nil"))
	}
	p := rowParser{row: row}

	n := &Notification{
		ID:                p.requiredString("id"),
		RecipientID:       p.requiredString("recipient_id"),
		TeamID:            p.optionalString("team_id"),
		Title:             p.requiredString("title"),
		Message:           p.requiredString("message"),
		ActionURL:         p.optionalString("action_url"),
		ReadAt:            p.optionalTime("read_at"),
		ArchivedAt:        p.optionalTime("archived_at"),
		RelatedEntityType: p.optionalString("related_entity_type"),
		RelatedEntityID:   p.optionalString("related_entity_id"),
		Metadata:          p.metadata("metadata"),
		ExpiresAt:         p.optionalTime("expires_at"),
	}
	if created := p.optionalTime("created_at"); created != nil {
		n.CreatedAt = *created
	} else if p.err == nil {
		p.err = fmt.Errorf("created_at is required")
	}

	if s := p.requiredString("type"); p.err == nil {
		t, err := ParseNotificationType(s)
		if err != nil {
			p.err = err
		}
		n.Type = t
	}

	n.Priority = PriorityMedium
	if s := p.optionalString("priority"); s != nil && p.err == nil {
		pr, err := ParsePriority(*s)
		if err != nil {
			p.err = err
		}
		n.Priority = pr
	}

	if p.err != nil {
		return nil, apperrors.Parse("notification row", p.err)
	}
	return n, nil
}

type rowParser struct {
	row map[string]any
	err error
}

func (p *rowParser) requiredString(key string) string {
	s := p.optionalString(key)
	if p.err != nil {
		return ""
	}
	if s == nil || *s == "" {
		p.err = fmt.Errorf("%s is required", key)
		return ""
	}
	return *s
}

func (p *rowParser) optionalString(key string) *string {
	if p.err != nil {
		return nil
	}
	v, ok := p.row[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		p.err = fmt.Errorf("%s: expected string, got %T", key, v)
		return nil
	}
	return &s
}

func (p *rowParser) optionalTime(key string) *time.Time {
	if p.err != nil {
		return nil
	}
	v, ok := p.row[key]
	if !ok || v == nil {
		return nil
	}
	switch tv := v.(type) {
	case time.Time:
		return &tv
	case string:
		if tv == "" {
			return nil
		}
		t, err := ParseTime(tv)
		if err != nil {
			p.err = fmt.Errorf("%s: %w", key, err)
			return nil
		}
		return &t
	default:
		p.err = fmt.Errorf("%s: expected timestamp, got %T", key, v)
		return nil
	}
}

func (p *rowParser) metadata(key string) JSONMap {
	if p.err != nil {
		return nil
	}
	v, ok := p.row[key]
	if !ok || v == nil {
		return nil
	}
	switch mv := v.(type) {
	case map[string]any:
		return JSONMap(mv)
	case JSONMap:
		return mv
	case string:
		// some transports deliver jsonb columns as text
		var m JSONMap
		if err := json.Unmarshal([]byte(mv), &m); err != nil {
			p.err = fmt.Errorf("%s: %w", key, err)
			return nil
		}
		return m
	default:
		p.err = fmt.Errorf("%s: expected object, got %T", key, v)
		return nil
	}
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Stats summarises a user's notifications.
type Stats struct {
	Total              int `json:"total" db:"total"`
	Unread             int `json:"unread" db:"unread"`
	UnreadHighPriority int `json:"unread_high_priority" db:"unread_high_priority"`
	Archived           int `json:"archived" db:"archived"`
}

// ComputeStats counts the given notifications.
func ComputeStats(list []*Notification) Stats {
	var s Stats
	for _, n := range list {
		s.Total++
		if n.IsArchived() {
			s.Archived++
			continue
		}
		if !n.IsRead() {
			s.Unread++
			if n.Priority == PriorityHigh {
				s.UnreadHighPriority++
			}
		}
	}
	return s
}

// Filters narrows a notification listing. A nil *Filters means no filters.
type Filters struct {
	Types           []NotificationType `json:"types,omitempty"`
	UnreadOnly      bool               `json:"unread_only,omitempty"`
	TeamID          *string            `json:"team_id,omitempty"`
	Priority        *Priority          `json:"priority,omitempty"`
	IncludeArchived bool               `json:"include_archived,omitempty"`
}

// Matches applies the filters to one notification.
func (f *Filters) Matches(n *Notification) bool {
	if f == nil {
		return !n.IsArchived()
	}
	if !f.IncludeArchived && n.IsArchived() {
		return false
	}
	if f.UnreadOnly && n.IsRead() {
		return false
	}
	if f.TeamID != nil && !n.InTeam(*f.TeamID) {
		return false
	}
	if f.Priority != nil && n.Priority != *f.Priority {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == n.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
