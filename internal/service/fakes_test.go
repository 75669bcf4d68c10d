package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sumire/notifications/internal/domain"
	"github.com/sumire/notifications/internal/push"
)

// clock hands out strictly increasing timestamps.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// memUserStore treats every id as an existing user unless it is listed in missing.
type memUserStore struct {
	missing map[int64]bool
}

func (s *memUserStore) Exists(_ context.Context, id int64) (bool, error) {
	return !s.missing[id], nil
}

func (s *memUserStore) FilterExisting(_ context.Context, ids []int64) ([]int64, error) {
	out := []int64{}
	for _, id := range ids {
		if !s.missing[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

type memTokenStore struct {
	mu      sync.Mutex
	clock   *clock
	tokens  []*domain.PushToken
	listErr error
}

func newMemTokenStore(c *clock) *memTokenStore {
	return &memTokenStore{clock: c}
}

func (s *memTokenStore) Upsert(_ context.Context, reg domain.TokenRegistration) (*domain.PushToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, t := range s.tokens {
		if t.UserID == reg.UserID && t.Token == reg.Token {
			t.Platform = reg.Platform
			if reg.DeviceID != nil {
				t.DeviceID = reg.DeviceID
			}
			if reg.DeviceName != nil {
				t.DeviceName = reg.DeviceName
			}
			if reg.Preferences != nil {
				t.Preferences = reg.Preferences.WithDefaults()
			}
			t.IsActive = true
			t.LastUsedAt = now
			t.UpdatedAt = now
			out := *t
			return &out, nil
		}
	}

	t := &domain.PushToken{
		ID:          uuid.NewString(),
		UserID:      reg.UserID,
		Token:       reg.Token,
		Platform:    reg.Platform,
		DeviceID:    reg.DeviceID,
		DeviceName:  reg.DeviceName,
		IsActive:    true,
		LastUsedAt:  now,
		Preferences: reg.Preferences.WithDefaults(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tokens = append(s.tokens, t)
	out := *t
	return &out, nil
}

func (s *memTokenStore) Deactivate(_ context.Context, userID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID && t.Token == token {
			t.IsActive = false
		}
	}
	return nil
}

func (s *memTokenStore) SetPreferences(_ context.Context, userID int64, prefs domain.Preferences) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if t.UserID == userID && t.IsActive {
			t.Preferences = prefs
			n++
		}
	}
	return n, nil
}

func (s *memTokenStore) ListActive(ctx context.Context, userID int64) ([]domain.PushToken, error) {
	return s.ListActiveForUsers(ctx, []int64{userID})
}

func (s *memTokenStore) ListActiveForUsers(_ context.Context, userIDs []int64) ([]domain.PushToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := []domain.PushToken{}
	for _, t := range s.tokens {
		if t.IsActive && slices.Contains(userIDs, t.UserID) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memTokenStore) CountActive(context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens int64
	users := map[int64]bool{}
	for _, t := range s.tokens {
		if t.IsActive {
			tokens++
			users[t.UserID] = true
		}
	}
	return tokens, int64(len(users)), nil
}

func (s *memTokenStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type memNotificationStore struct {
	mu    sync.Mutex
	clock *clock
	rows  []*domain.Notification
}

func newMemNotificationStore(c *clock) *memNotificationStore {
	return &memNotificationStore{clock: c}
}

func (s *memNotificationStore) Create(_ context.Context, n domain.Notification) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = uuid.NewString()
	n.Status = domain.StatusPending
	n.CreatedAt = s.clock.Now()
	n.UpdatedAt = n.CreatedAt
	s.rows = append(s.rows, &n)
	out := n
	return &out, nil
}

func (s *memNotificationStore) CreateMany(ctx context.Context, ns []domain.Notification) ([]domain.Notification, error) {
	out := make([]domain.Notification, 0, len(ns))
	for _, n := range ns {
		created, err := s.Create(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, *created)
	}
	return out, nil
}

func (s *memNotificationStore) find(id string) *domain.Notification {
	for _, n := range s.rows {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (s *memNotificationStore) MarkSent(_ context.Context, id string, ticketID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.find(id); n != nil && n.Status.CanTransition(domain.StatusSent) {
		now := s.clock.Now()
		n.Status = domain.StatusSent
		n.SentAt = &now
		n.TicketID = ticketID
	}
	return nil
}

func (s *memNotificationStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.find(id); n != nil && n.Status.CanTransition(domain.StatusFailed) {
		n.Status = domain.StatusFailed
		n.ErrorMessage = &reason
	}
	return nil
}

func (s *memNotificationStore) MarkManySent(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.MarkSent(ctx, id, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *memNotificationStore) List(_ context.Context, f domain.NotificationFilter) ([]domain.Notification, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.Notification
	for i := len(s.rows) - 1; i >= 0; i-- {
		n := s.rows[i]
		if n.UserID != f.UserID {
			continue
		}
		if f.Status != nil && n.Status != *f.Status {
			continue
		}
		if f.Type != nil && n.Type != *f.Type {
			continue
		}
		matched = append(matched, *n)
	}
	total := int64(len(matched))
	start := min(f.Offset, len(matched))
	end := min(start+f.Limit, len(matched))
	return matched[start:end], total, nil
}

func (s *memNotificationStore) CountUnread(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.UserID == userID && row.Status != domain.StatusRead {
			n++
		}
	}
	return n, nil
}

func (s *memNotificationStore) MarkRead(_ context.Context, userID int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.find(id)
	if n == nil || n.UserID != userID {
		return domain.ErrNotFound
	}
	n.Status = domain.StatusRead
	if n.ReadAt == nil {
		now := s.clock.Now()
		n.ReadAt = &now
	}
	return nil
}

func (s *memNotificationStore) MarkAllRead(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.rows {
		if n.UserID == userID && n.Status != domain.StatusRead {
			now := s.clock.Now()
			n.Status = domain.StatusRead
			n.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (s *memNotificationStore) Delete(_ context.Context, userID int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.rows {
		if n.ID == id && n.UserID == userID {
			s.rows = slices.Delete(s.rows, i, i+1)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memNotificationStore) Stats(_ context.Context, _ domain.DateRange) (*domain.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.Stats{
		ByStatus: map[domain.NotificationStatus]int64{},
		ByType:   map[domain.NotificationType]int64{},
	}
	for _, n := range s.rows {
		stats.ByStatus[n.Status]++
		stats.ByType[n.Type]++
		stats.Total++
	}
	return stats, nil
}

func (s *memNotificationStore) get(id string) domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.find(id); n != nil {
		return *n
	}
	return domain.Notification{}
}

func (s *memNotificationStore) all() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, len(s.rows))
	for i, n := range s.rows {
		out[i] = *n
	}
	return out
}

// fakeGateway records every batch. Calls whose index is in failCalls return a
// transport error; rejected addresses get an error ticket.
type fakeGateway struct {
	mu        sync.Mutex
	batches   [][]push.Message
	failCalls map[int]bool
	failAll   bool
	rejected  map[string]bool
}

func (g *fakeGateway) SendBatch(_ context.Context, messages []push.Message) ([]push.Ticket, error) {
	g.mu.Lock()
	call := len(g.batches)
	g.batches = append(g.batches, slices.Clone(messages))
	fail := g.failAll || g.failCalls[call]
	g.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrGatewayTransport)
	}

	tickets := make([]push.Ticket, len(messages))
	for i, m := range messages {
		if g.rejected[m.To] {
			tickets[i] = push.ErrorTicket("DeviceNotRegistered")
			continue
		}
		tickets[i] = push.Ticket{Status: push.TicketOK, ID: "receipt-" + m.To}
	}
	return tickets, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.batches)
}

func (g *fakeGateway) sentMessages() []push.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []push.Message
	for _, b := range g.batches {
		out = append(out, b...)
	}
	return out
}

type memStatsCache struct {
	stats map[string]*domain.Stats
	gets  int
}

func (c *memStatsCache) Get(_ context.Context, rng domain.DateRange) (*domain.Stats, error) {
	c.gets++
	return c.stats[fmt.Sprint(rng.Start, rng.End)], nil
}

func (c *memStatsCache) Set(_ context.Context, rng domain.DateRange, stats *domain.Stats) error {
	if c.stats == nil {
		c.stats = map[string]*domain.Stats{}
	}
	c.stats[fmt.Sprint(rng.Start, rng.End)] = stats
	return nil
}

type fixture struct {
	users         *memUserStore
	tokens        *memTokenStore
	notifications *memNotificationStore
	gateway       *fakeGateway
	svc           *NotificationService
}

func newFixture(cfg DispatchConfig) *fixture {
	c := newClock()
	f := &fixture{
		users:         &memUserStore{missing: map[int64]bool{}},
		tokens:        newMemTokenStore(c),
		notifications: newMemNotificationStore(c),
		gateway:       &fakeGateway{},
	}
	engine := NewDispatchEngine(f.tokens, f.notifications, f.gateway, nil, cfg)
	f.svc = NewNotificationService(f.users, f.tokens, f.notifications, engine, nil)
	return f
}

func address(n int) string {
	return fmt.Sprintf("ExponentPushToken[device-%04d]", n)
}
