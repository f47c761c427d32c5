package notification

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/pkg/broadcast"
	"github.com/jwalitptl/receipt-notify/pkg/metrics"
)

// DefaultTTL is how long an unfiltered fetch stays fresh.
const DefaultTTL = 5 * time.Minute

// Action is a cache mutation. The set is closed; see the types below.
type Action interface {
	apply(s *state, now time.Time) (listChanged bool, inserted *model.Notification)
}

type (
	// Replace installs a freshly fetched list and resets the staleness clock.
	Replace struct{ Notifications []*model.Notification }
	// Insert prepends a new notification. An id already present is merged as an Update.
	Insert struct{ Notification *model.Notification }
	// Update replaces the entry with the same id, keeping its position.
	Update   struct{ Notification *model.Notification }
	Delete   struct{ ID string }
	MarkRead struct {
		ID string
		At time.Time
	}
	// MarkAllRead marks every unread entry, or only those of TeamID when set.
	MarkAllRead struct {
		TeamID *string
		At     time.Time
	}
	Archive struct {
		ID string
		At time.Time
	}
	// SetStats installs server-side counts until the list next changes.
	SetStats struct{ Stats model.Stats }
	Clear    struct{}
)

type state struct {
	list      []*model.Notification
	stats     model.Stats
	lastFetch time.Time
}

func (s *state) index(id string) int {
	for i, n := range s.list {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (a Replace) apply(s *state, now time.Time) (bool, *model.Notification) {
	list := make([]*model.Notification, 0, len(a.Notifications))
	for _, n := range a.Notifications {
		if n == nil || n.IsExpired(now) {
			continue
		}
		list = append(list, n.Clone())
	}
	s.list = list
	s.lastFetch = now
	return true, nil
}

func (a Insert) apply(s *state, now time.Time) (bool, *model.Notification) {
	if a.Notification == nil {
		return false, nil
	}
	if s.index(a.Notification.ID) >= 0 {
		return Update(a).apply(s, now)
	}
	n := a.Notification.Clone()
	s.list = append([]*model.Notification{n}, s.list...)
	return true, n
}

func (a Update) apply(s *state, _ time.Time) (bool, *model.Notification) {
	if a.Notification == nil {
		return false, nil
	}
	i := s.index(a.Notification.ID)
	if i < 0 {
		return false, nil
	}
	s.list[i] = merge(s.list[i], a.Notification)
	return true, nil
}

// merge takes the incoming row but never clears or moves forward a
// timestamp that only ever goes from unset to set.
func merge(current, incoming *model.Notification) *model.Notification {
	n := incoming.Clone()
	n.ReadAt = earliest(current.ReadAt, n.ReadAt)
	n.ArchivedAt = earliest(current.ArchivedAt, n.ArchivedAt)
	return n
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil || a.Before(*b):
		v := *a
		return &v
	default:
		return b
	}
}

func (a Delete) apply(s *state, _ time.Time) (bool, *model.Notification) {
	i := s.index(a.ID)
	if i < 0 {
		return false, nil
	}
	s.list = append(s.list[:i:i], s.list[i+1:]...)
	return true, nil
}

func (a MarkRead) apply(s *state, _ time.Time) (bool, *model.Notification) {
	i := s.index(a.ID)
	if i < 0 || s.list[i].IsRead() {
		return false, nil
	}
	n := s.list[i].Clone()
	at := a.At
	n.ReadAt = &at
	s.list[i] = n
	return true, nil
}

func (a MarkAllRead) apply(s *state, _ time.Time) (bool, *model.Notification) {
	changed := false
	for i, n := range s.list {
		if n.IsRead() || (a.TeamID != nil && !n.InTeam(*a.TeamID)) {
			continue
		}
		c := n.Clone()
		at := a.At
		c.ReadAt = &at
		s.list[i] = c
		changed = true
	}
	return changed, nil
}

func (a Archive) apply(s *state, _ time.Time) (bool, *model.Notification) {
	i := s.index(a.ID)
	if i < 0 || s.list[i].IsArchived() {
		return false, nil
	}
	n := s.list[i].Clone()
	at := a.At
	n.ArchivedAt = &at
	s.list[i] = n
	return true, nil
}

func (a SetStats) apply(s *state, _ time.Time) (bool, *model.Notification) {
	s.stats = a.Stats
	return false, nil
}

func (Clear) apply(s *state, _ time.Time) (bool, *model.Notification) {
	s.list = nil
	s.lastFetch = time.Time{}
	return true, nil
}

// Store owns the cached notification list. All writes go through Dispatch;
// readers get copies and the two broadcast streams.
type Store struct {
	mu      sync.RWMutex
	state   state
	clock   clockwork.Clock
	ttl     time.Duration
	lists   *broadcast.Hub[[]*model.Notification]
	created *broadcast.Hub[*model.Notification]
	metrics *metrics.Metrics
}

type StoreConfig struct {
	TTL    time.Duration
	Buffer int
	// NewBuffer sizes the new-item stream per subscriber.
	NewBuffer int
}

func NewStore(cfg StoreConfig, clock clockwork.Clock, m *metrics.Metrics) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.NewBuffer <= 0 {
		cfg.NewBuffer = 256
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New("notify")
	}

	s := &Store{
		clock:   clock,
		ttl:     cfg.TTL,
		lists:   broadcast.NewHub[[]*model.Notification](cfg.Buffer),
		created: broadcast.NewHub[*model.Notification](cfg.NewBuffer),
		metrics: m,
	}
	s.lists.OnDrop(func() { m.BroadcastDropped.WithLabelValues("list").Inc() })
	s.created.OnDrop(func() { m.BroadcastDropped.WithLabelValues("new").Inc() })
	return s
}

// Dispatch applies one action and publishes the outcome.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, inserted := a.apply(&s.state, s.clock.Now())
	if !changed {
		return
	}
	s.state.stats = model.ComputeStats(s.state.list)
	s.metrics.CachedNotifications.Set(float64(len(s.state.list)))

	if inserted != nil {
		s.created.Publish(inserted.Clone())
	}
	s.lists.Publish(s.snapshot())
}

func (s *Store) snapshot() []*model.Notification {
	out := make([]*model.Notification, len(s.state.list))
	for i, n := range s.state.list {
		out[i] = n.Clone()
	}
	return out
}

// Notifications returns a copy of the cached list, newest first.
func (s *Store) Notifications() []*model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

func (s *Store) Get(id string) (*model.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.state.index(id); i >= 0 {
		return s.state.list[i].Clone(), true
	}
	return nil, false
}

func (s *Store) Stats() model.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.stats
}

func (s *Store) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.lastFetch
}

// IsStale reports whether the cache was never filled or is older than the TTL.
func (s *Store) IsStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.lastFetch.IsZero() || s.clock.Since(s.state.lastFetch) >= s.ttl
}

// PurgeExpired drops notifications past their expiry and returns how many
// were removed.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	kept := s.state.list[:0:0]
	for _, n := range s.state.list {
		if !n.IsExpired(now) {
			kept = append(kept, n)
		}
	}
	removed := len(s.state.list) - len(kept)
	if removed == 0 {
		return 0
	}
	s.state.list = kept
	s.state.stats = model.ComputeStats(kept)
	s.metrics.CachedNotifications.Set(float64(len(kept)))
	s.lists.Publish(s.snapshot())
	return removed
}

// Emit publishes a list on the list stream without touching the cache.
func (s *Store) Emit(list []*model.Notification) {
	out := make([]*model.Notification, len(list))
	for i, n := range list {
		out[i] = n.Clone()
	}
	s.lists.Publish(out)
}

// Subscribe streams the full list after every change and every remote fetch.
func (s *Store) Subscribe() (<-chan []*model.Notification, func()) {
	return s.lists.Subscribe()
}

// SubscribeNew streams notifications as they are inserted. A subscriber
// that falls more than NewBuffer items behind loses the oldest ones; the
// drop is counted and the full list stream still carries them.
func (s *Store) SubscribeNew() (<-chan *model.Notification, func()) {
	return s.created.Subscribe()
}

// Close ends both streams.
func (s *Store) Close() {
	s.lists.Close()
	s.created.Close()
}
