package notification

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/receipt-notify/internal/model"
)

type fakeRepo struct {
	mu        sync.Mutex
	rows      []*model.Notification
	listCalls int
	err       error
	created   []*model.Notification
	stats     *model.Stats
	lastTeam  *string
}

func (r *fakeRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

func (r *fakeRepo) List(_ context.Context, userID string, filters *model.Filters, limit, offset int) ([]*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.err != nil {
		return nil, r.err
	}
	var out []*model.Notification
	for _, n := range r.rows {
		if n.RecipientID == userID && filters.Matches(n) {
			out = append(out, n.Clone())
		}
	}
	if offset >= len(out) {
		return []*model.Notification{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, _, _ string, _ time.Time) error { return r.err }

func (r *fakeRepo) MarkAllRead(_ context.Context, _ string, teamID *string, _ time.Time) (int64, error) {
	r.lastTeam = teamID
	return 0, r.err
}

func (r *fakeRepo) Archive(_ context.Context, _, _ string, _ time.Time) error { return r.err }
func (r *fakeRepo) Delete(_ context.Context, _, _ string) error               { return r.err }

func (r *fakeRepo) Create(_ context.Context, n *model.Notification) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.created = append(r.created, n)
	return "new-id", nil
}

func (r *fakeRepo) Stats(_ context.Context, _ string, _ *string) (*model.Stats, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.stats, nil
}

func strPtr(s string) *string { return &s }

func note(id string, created time.Time, opts ...func(*model.Notification)) *model.Notification {
	n := &model.Notification{
		ID:          id,
		RecipientID: "u1",
		Type:        model.TypeReceiptProcessingCompleted,
		Priority:    model.PriorityMedium,
		Title:       "Receipt processed",
		Message:     "Your receipt is ready",
		CreatedAt:   created,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func inTeam(team string) func(*model.Notification) {
	return func(n *model.Notification) { n.TeamID = strPtr(team) }
}

func readAt(t time.Time) func(*model.Notification) {
	return func(n *model.Notification) { n.ReadAt = &t }
}
