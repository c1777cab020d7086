package publishing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PortNumber53/linkedin-studio/internal/linkedin"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

type fakeStore struct {
	mu         sync.Mutex
	posts      map[string]*models.Post
	profiles   map[string]*models.LinkedInProfile
	workspaces map[string]string
	logs       map[string][]models.PostLog
	seq        int
	// recordErr fails every MarkPublished call when set
	recordErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:      map[string]*models.Post{},
		profiles:   map[string]*models.LinkedInProfile{},
		workspaces: map[string]string{},
		logs:       map[string][]models.PostLog{},
	}
}

func (f *fakeStore) addPost(p models.Post) *models.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.posts[p.ID] = &cp
	return &cp
}

func (f *fakeStore) post(id string) models.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.posts[id]
}

func (f *fakeStore) logsFor(id string) []models.PostLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PostLog(nil), f.logs[id]...)
}

func (f *fakeStore) appendLog(postID string, st models.PostLogStatus, msg string) {
	f.seq++
	f.logs[postID] = append(f.logs[postID], models.PostLog{
		ID: fmt.Sprintf("log-%d", f.seq), PostID: postID, Status: st, Message: msg,
	})
}

func (f *fakeStore) GetPost(_ context.Context, userID, postID string) (*models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok || p.UserID != userID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetProfile(_ context.Context, userID, id string) (*models.LinkedInProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok || p.UserID != userID {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) InsertDraft(_ context.Context, p *models.Post, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		f.seq++
		p.ID = fmt.Sprintf("post-%d", f.seq)
	}
	p.Status = models.PostStatusDraft
	cp := *p
	f.posts[p.ID] = &cp
	f.appendLog(p.ID, models.PostLogCreated, msg)
	return nil
}

func (f *fakeStore) UpdateDraft(_ context.Context, p *models.Post, msg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.posts[p.ID]
	if !ok || cur.UserID != p.UserID || cur.Status != models.PostStatusDraft {
		return false, nil
	}
	cp := *p
	f.posts[p.ID] = &cp
	f.appendLog(p.ID, models.PostLogUpdated, msg)
	return true, nil
}

func (f *fakeStore) MarkScheduled(_ context.Context, userID, postID string, at time.Time, tz, msg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok || p.UserID != userID || p.Status != models.PostStatusDraft {
		return false, nil
	}
	at = at.UTC()
	p.Status = models.PostStatusScheduled
	p.ScheduledTime = &at
	p.TimeZone = &tz
	f.appendLog(postID, models.PostLogScheduled, msg)
	return true, nil
}

func (f *fakeStore) MarkPublished(_ context.Context, postID, publishedID string, at time.Time, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	p, ok := f.posts[postID]
	if !ok || (p.Status != models.PostStatusDraft && p.Status != models.PostStatusScheduled) {
		return fmt.Errorf("post %s is not publishable", postID)
	}
	p.Status = models.PostStatusPublished
	p.PublishedAt = &at
	p.PublishedID = &publishedID
	f.appendLog(postID, models.PostLogPublished, msg)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, postID, msg string, from ...models.PostStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[postID]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if p.Status == st {
			p.Status = models.PostStatusFailed
			f.appendLog(postID, models.PostLogFailed, msg)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) WorkspaceOwnedBy(_ context.Context, userID, workspaceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workspaces[workspaceID] == userID, nil
}

func (f *fakeStore) ProfileOwnedBy(_ context.Context, userID, profileID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profileID]
	return ok && p.UserID == userID, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []linkedin.PostContent
	id    string
	err   error
}

func (f *fakePublisher) CreatePost(_ context.Context, _ linkedin.Credentials, c linkedin.PostContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

type okImages struct{ calls int }

func (o *okImages) Validate(context.Context, []string) error {
	o.calls++
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.PostStatus
}

func (r *recordingNotifier) PostUpdated(_, _ string, status models.PostStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status)
}
