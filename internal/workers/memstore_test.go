package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/linkedin-studio/internal/linkedin"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/store"
)

// memStore backs both the sweep and the real publishing pipeline in tests.
type memStore struct {
	mu       sync.Mutex
	posts    map[string]*models.Post
	profiles map[string]*models.LinkedInProfile
	logs     map[string][]models.PostLog
	listErr  error
	seq      int
	// failRecords makes the next n MarkPublished calls fail
	failRecords int
}

func newMemStore() *memStore {
	return &memStore{
		posts:    map[string]*models.Post{},
		profiles: map[string]*models.LinkedInProfile{},
		logs:     map[string][]models.PostLog{},
	}
}

func (m *memStore) put(p models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.posts[p.ID] = &cp
}

func (m *memStore) status(id string) models.PostStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id].Status
}

func (m *memStore) logsFor(id string) []models.PostLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PostLog(nil), m.logs[id]...)
}

func (m *memStore) appendLog(id string, st models.PostLogStatus, msg string) {
	m.seq++
	m.logs[id] = append(m.logs[id], models.PostLog{ID: fmt.Sprintf("l%d", m.seq), PostID: id, Status: st, Message: msg})
}

func (m *memStore) ListDuePosts(_ context.Context, now time.Time, limit int) ([]store.DuePost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]store.DuePost, 0)
	for _, p := range m.posts {
		if p.Status == models.PostStatusScheduled && p.ScheduledTime != nil && !p.ScheduledTime.After(now) {
			out = append(out, store.DuePost{ID: p.ID, UserID: p.UserID, ScheduledTime: *p.ScheduledTime})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) NextScheduledTime(_ context.Context, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *time.Time
	for _, p := range m.posts {
		if p.Status == models.PostStatusScheduled && p.ScheduledTime != nil && p.ScheduledTime.After(now) {
			if next == nil || p.ScheduledTime.Before(*next) {
				t := *p.ScheduledTime
				next = &t
			}
		}
	}
	return next, nil
}

func (m *memStore) MarkFailed(_ context.Context, postID, msg string, from ...models.PostStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return false, nil
	}
	if len(from) == 0 {
		from = []models.PostStatus{models.PostStatusDraft, models.PostStatusScheduled}
	}
	for _, st := range from {
		if p.Status == st {
			p.Status = models.PostStatusFailed
			m.appendLog(postID, models.PostLogFailed, msg)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetPost(_ context.Context, userID, postID string) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok || p.UserID != userID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetProfile(_ context.Context, userID, id string) (*models.LinkedInProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok || p.UserID != userID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) InsertDraft(context.Context, *models.Post, string) error {
	return errors.New("not used")
}

func (m *memStore) UpdateDraft(context.Context, *models.Post, string) (bool, error) {
	return false, errors.New("not used")
}

func (m *memStore) MarkScheduled(_ context.Context, userID, postID string, at time.Time, tz, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok || p.UserID != userID || p.Status != models.PostStatusDraft {
		return false, nil
	}
	at = at.UTC()
	p.Status = models.PostStatusScheduled
	p.ScheduledTime = &at
	p.TimeZone = &tz
	m.appendLog(postID, models.PostLogScheduled, msg)
	return true, nil
}

func (m *memStore) MarkPublished(_ context.Context, postID, publishedID string, at time.Time, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecords > 0 {
		m.failRecords--
		return errors.New("connection reset")
	}
	p := m.posts[postID]
	if p.Status != models.PostStatusDraft && p.Status != models.PostStatusScheduled {
		return fmt.Errorf("post %s is not publishable", postID)
	}
	p.Status = models.PostStatusPublished
	p.PublishedAt = &at
	p.PublishedID = &publishedID
	m.appendLog(postID, models.PostLogPublished, msg)
	return nil
}

func (m *memStore) WorkspaceOwnedBy(context.Context, string, string) (bool, error) { return true, nil }

func (m *memStore) ProfileOwnedBy(_ context.Context, userID, profileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[profileID]
	return ok && p.UserID == userID, nil
}

// stubLinkedIn fails for the users listed in rejects.
type stubLinkedIn struct {
	mu      sync.Mutex
	rejects map[string]bool
	calls   int
}

func (s *stubLinkedIn) CreatePost(_ context.Context, creds linkedin.Credentials, _ linkedin.PostContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.rejects[creds.ProfileID] {
		return "", fmt.Errorf("%w: duplicate content", linkedin.ErrRejected)
	}
	return fmt.Sprintf("urn:li:share:%d", s.calls), nil
}
