package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/lib/pq"
)

const postColumns = `id, user_id, workspace_id, linkedin_profile_id, content, post_type,
	COALESCE(image_urls, ARRAY[]::text[]), video_url, document_url,
	COALESCE(hashtags, ARRAY[]::text[]), COALESCE(mentions, ARRAY[]::text[]),
	status, scheduled_time, time_zone, published_at, published_id, created_at, updated_at`

// DuePost is the narrow projection the scheduler sweep needs.
type DuePost struct {
	ID            string
	UserID        string
	ScheduledTime time.Time
}

func scanPost(row scanner) (*models.Post, error) {
	var (
		p                      models.Post
		profileID, video, doc  sql.NullString
		tz, publishedID        sql.NullString
		postType, status       string
		scheduled, publishedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.UserID, &p.WorkspaceID, &profileID, &p.Content, &postType,
		pq.Array(&p.ImageURLs), &video, &doc,
		pq.Array(&p.Hashtags), pq.Array(&p.Mentions),
		&status, &scheduled, &tz, &publishedAt, &publishedID, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.PostType = models.PostType(postType)
	p.Status = models.PostStatus(status)
	p.LinkedInProfileID = nullStringPtr(profileID)
	p.VideoURL = nullStringPtr(video)
	p.DocumentURL = nullStringPtr(doc)
	p.TimeZone = nullStringPtr(tz)
	p.PublishedID = nullStringPtr(publishedID)
	p.ScheduledTime = nullTimePtr(scheduled)
	p.PublishedAt = nullTimePtr(publishedAt)
	return &p, nil
}

// GetPost returns the post owned by userID, or nil when it does not exist or belongs to someone else.
func (s *Store) GetPost(ctx context.Context, userID, postID string) (*models.Post, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		  FROM public.linkedin_posts
		 WHERE id = $1 AND user_id = $2
	`, postID, userID)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// InsertDraft creates a DRAFT post and its Created log entry atomically.
func (s *Store) InsertDraft(ctx context.Context, p *models.Post, logMessage string) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO public.linkedin_posts
			  (id, user_id, workspace_id, linkedin_profile_id, content, post_type,
			   image_urls, video_url, document_url, hashtags, mentions, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'DRAFT', NOW(), NOW())
			RETURNING `+postColumns,
			p.ID, p.UserID, p.WorkspaceID, p.LinkedInProfileID, p.Content, string(p.PostType),
			pq.Array(p.ImageURLs), p.VideoURL, p.DocumentURL, pq.Array(p.Hashtags), pq.Array(p.Mentions))
		out, err := scanPost(row)
		if err != nil {
			return fmt.Errorf("insert draft: %w", err)
		}
		*p = *out
		return appendPostLog(ctx, tx, p.ID, models.PostLogCreated, logMessage)
	})
}

// UpdateDraft rewrites an owned DRAFT in place and appends an Updated log entry.
// It returns false when no owned draft with that id exists.
func (s *Store) UpdateDraft(ctx context.Context, p *models.Post, logMessage string) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE public.linkedin_posts
			   SET workspace_id = $3,
			       linkedin_profile_id = $4,
			       content = $5,
			       post_type = $6,
			       image_urls = $7,
			       video_url = $8,
			       document_url = $9,
			       hashtags = $10,
			       mentions = $11,
			       updated_at = NOW()
			 WHERE id = $1 AND user_id = $2 AND status = 'DRAFT'
			RETURNING `+postColumns,
			p.ID, p.UserID, p.WorkspaceID, p.LinkedInProfileID, p.Content, string(p.PostType),
			pq.Array(p.ImageURLs), p.VideoURL, p.DocumentURL, pq.Array(p.Hashtags), pq.Array(p.Mentions))
		out, err := scanPost(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update draft: %w", err)
		}
		*p = *out
		found = true
		return appendPostLog(ctx, tx, p.ID, models.PostLogUpdated, logMessage)
	})
	return found, err
}

// MarkScheduled moves an owned DRAFT to SCHEDULED and logs it. Returns false if the
// post is no longer an owned draft.
func (s *Store) MarkScheduled(ctx context.Context, userID, postID string, at time.Time, timeZone, logMessage string) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE public.linkedin_posts
			   SET status = 'SCHEDULED',
			       scheduled_time = $3,
			       time_zone = $4,
			       updated_at = NOW()
			 WHERE id = $1 AND user_id = $2 AND status = 'DRAFT'
		`, postID, userID, at.UTC(), timeZone)
		if err != nil {
			return fmt.Errorf("mark scheduled: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		found = true
		return appendPostLog(ctx, tx, postID, models.PostLogScheduled, logMessage)
	})
	return found, err
}

// MarkPublished records a successful publish and its log entry in one transaction.
func (s *Store) MarkPublished(ctx context.Context, postID, publishedID string, at time.Time, logMessage string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE public.linkedin_posts
			   SET status = 'PUBLISHED',
			       published_at = $2,
			       published_id = $3,
			       updated_at = NOW()
			 WHERE id = $1 AND status IN ('DRAFT', 'SCHEDULED')
		`, postID, at.UTC(), publishedID)
		if err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mark published: post %s is not publishable", postID)
		}
		return appendPostLog(ctx, tx, postID, models.PostLogPublished, logMessage)
	})
}

// MarkFailed sets FAILED and appends a Failed log entry, but only while the post is in
// one of the given statuses. A post already FAILED is left alone so the failure is
// logged once. Returns whether a transition happened.
func (s *Store) MarkFailed(ctx context.Context, postID, logMessage string, from ...models.PostStatus) (bool, error) {
	if len(from) == 0 {
		from = []models.PostStatus{models.PostStatusDraft, models.PostStatusScheduled}
	}
	statuses := make([]string, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE public.linkedin_posts
			   SET status = 'FAILED',
			       updated_at = NOW()
			 WHERE id = $1 AND status = ANY($2)
		`, postID, pq.Array(statuses))
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		return appendPostLog(ctx, tx, postID, models.PostLogFailed, logMessage)
	})
	return changed, err
}

// ListDuePosts returns SCHEDULED posts whose scheduled_time is at or before now, oldest first.
func (s *Store) ListDuePosts(ctx context.Context, now time.Time, limit int) ([]DuePost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, scheduled_time
		  FROM public.linkedin_posts
		 WHERE status = 'SCHEDULED'
		   AND scheduled_time IS NOT NULL
		   AND scheduled_time <= $1
		 ORDER BY scheduled_time ASC
		 LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due posts: %w", err)
	}
	defer rows.Close()

	out := make([]DuePost, 0)
	for rows.Next() {
		var d DuePost
		if err := rows.Scan(&d.ID, &d.UserID, &d.ScheduledTime); err != nil {
			return nil, fmt.Errorf("scan due post: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due posts: %w", err)
	}
	return out, nil
}

// NextScheduledTime returns the earliest future scheduled_time, used for idle sweep summaries.
func (s *Store) NextScheduledTime(ctx context.Context, now time.Time) (*time.Time, error) {
	var next sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(scheduled_time)
		  FROM public.linkedin_posts
		 WHERE status = 'SCHEDULED'
		   AND scheduled_time > $1
	`, now.UTC()).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next scheduled time: %w", err)
	}
	return nullTimePtr(next), nil
}

func (s *Store) ListPostLogs(ctx context.Context, postID string) ([]models.PostLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, status, message, created_at
		  FROM public.post_logs
		 WHERE post_id = $1
		 ORDER BY created_at ASC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list post logs: %w", err)
	}
	defer rows.Close()

	out := make([]models.PostLog, 0)
	for rows.Next() {
		var l models.PostLog
		var status string
		if err := rows.Scan(&l.ID, &l.PostID, &status, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post log: %w", err)
		}
		l.Status = models.PostLogStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

func appendPostLog(ctx context.Context, tx *sql.Tx, postID string, status models.PostLogStatus, message string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO public.post_logs (id, post_id, status, message, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, newID(), postID, string(status), truncate(message, 1000))
	if err != nil {
		return fmt.Errorf("append post log: %w", err)
	}
	return nil
}
