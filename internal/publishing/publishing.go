// Package publishing is the content posting pipeline: drafting, scheduling and
// publishing LinkedIn posts with their status transitions and audit log.
package publishing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/linkedin"
	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/metrics"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const (
	MaxContentLength = 3000
	MaxImages        = 9
	MaxHashtags      = 30
	MaxMentions      = 50
	publishTimeout   = 30 * time.Second
)

// Store is the persistence the pipeline needs; *store.Store implements it.
type Store interface {
	GetPost(ctx context.Context, userID, postID string) (*models.Post, error)
	GetProfile(ctx context.Context, userID, id string) (*models.LinkedInProfile, error)
	InsertDraft(ctx context.Context, p *models.Post, logMessage string) error
	UpdateDraft(ctx context.Context, p *models.Post, logMessage string) (bool, error)
	MarkScheduled(ctx context.Context, userID, postID string, at time.Time, timeZone, logMessage string) (bool, error)
	MarkPublished(ctx context.Context, postID, publishedID string, at time.Time, logMessage string) error
	MarkFailed(ctx context.Context, postID, logMessage string, from ...models.PostStatus) (bool, error)
	WorkspaceOwnedBy(ctx context.Context, userID, workspaceID string) (bool, error)
	ProfileOwnedBy(ctx context.Context, userID, profileID string) (bool, error)
}

// Publisher creates the post on the social network and returns its external id.
type Publisher interface {
	CreatePost(ctx context.Context, creds linkedin.Credentials, content linkedin.PostContent) (string, error)
}

// Notifier is told about every status transition. It must not block.
type Notifier interface {
	PostUpdated(userID, postID string, status models.PostStatus)
}

type Service struct {
	store     Store
	publisher Publisher
	images    ImageValidator
	notifier  Notifier
	log       *zap.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m metrics.Recorder) Option { return func(s *Service) { s.metrics = m } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithImageValidator(v ImageValidator) Option { return func(s *Service) { s.images = v } }

func New(st Store, pub Publisher, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		publisher: pub,
		images:    NewImageProber(DefaultImageRules()),
		log:       logger.OrNop(log).Named("publishing"),
		metrics:   metrics.Nop,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

const PublishedLogMessage = "Post published to LinkedIn"

// NotRecordedError means LinkedIn accepted the post but its PUBLISHED state could not
// be saved. The post must not be marked failed or published again; saving it later
// with ExternalID is the only repair.
type NotRecordedError struct {
	PostID      string
	ExternalID  string
	PublishedAt time.Time
	Err         error
}

func (e *NotRecordedError) Error() string {
	return fmt.Sprintf("post %s published as %s but not recorded: %v", e.PostID, e.ExternalID, e.Err)
}

func (e *NotRecordedError) Unwrap() error { return e.Err }

// PublishNow validates an owned DRAFT or SCHEDULED post and publishes it.
// Validation failures leave the post untouched. Profile and publisher failures mark
// the post FAILED with a log entry before the error is returned.
func (s *Service) PublishNow(ctx context.Context, userID, postID string) (*models.Post, error) {
	post, err := s.store.GetPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post == nil || (post.Status != models.PostStatusDraft && post.Status != models.PostStatusScheduled) {
		return nil, models.NewNotFoundError("post", postID)
	}

	if err := s.validateForPublish(ctx, post); err != nil {
		s.metrics.RecordPublish("invalid")
		s.log.Info("publish rejected", zap.String("post", post.ID), zap.String("user", userID), zap.Error(err))
		return nil, err
	}

	profile, err := s.publishingProfile(ctx, post)
	if err != nil {
		return nil, s.fail(ctx, post, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	externalID, err := s.publisher.CreatePost(pubCtx,
		linkedin.Credentials{AccessToken: profile.AccessToken, ProfileID: profile.ProfileID},
		contentOf(post))
	cancel()
	if err != nil {
		return nil, s.fail(ctx, post, models.NewExternalServiceError("linkedin", publishFailureMessage(err), err))
	}

	now := s.now().UTC()
	if err := s.store.MarkPublished(ctx, post.ID, externalID, now, PublishedLogMessage); err != nil {
		s.log.Error("record publish failed", zap.String("post", post.ID), zap.String("external_id", externalID), zap.Error(err))
		return nil, &NotRecordedError{PostID: post.ID, ExternalID: externalID, PublishedAt: now, Err: err}
	}
	post.Status = models.PostStatusPublished
	post.PublishedAt = &now
	post.PublishedID = &externalID

	s.metrics.RecordPublish("published")
	s.log.Info("published", zap.String("post", post.ID), zap.String("user", userID), zap.String("external_id", externalID))
	s.notify(post)
	return post, nil
}

func (s *Service) validateForPublish(ctx context.Context, post *models.Post) error {
	if err := validateContent(post.Content); err != nil {
		return err
	}
	if len(post.ImageURLs) > MaxImages {
		return tooManyImages()
	}
	if len(post.ImageURLs) > 0 && s.images != nil {
		if err := s.images.Validate(ctx, post.ImageURLs); err != nil {
			return err
		}
	}
	return checkMediaConflict(post)
}

func validateContent(content string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return models.NewValidationError(models.CodeContentEmpty, "content", "content must not be empty")
	}
	if utf8.RuneCountInString(text) > MaxContentLength {
		return models.NewValidationError(models.CodeContentTooLong, "content",
			fmt.Sprintf("content exceeds the maximum of %d characters", MaxContentLength))
	}
	return nil
}

func tooManyImages() error {
	return models.NewValidationError(models.CodeTooManyImages, "imageUrls",
		fmt.Sprintf("maximum %d images allowed", MaxImages))
}

func checkMediaConflict(post *models.Post) error {
	hasVideo := post.VideoURL != nil && strings.TrimSpace(*post.VideoURL) != ""
	hasDoc := post.DocumentURL != nil && strings.TrimSpace(*post.DocumentURL) != ""
	hasImages := len(post.ImageURLs) > 0
	switch {
	case hasVideo && hasImages:
		return models.NewMediaConflictError("a post cannot combine a video with images")
	case hasDoc && (hasImages || hasVideo):
		return models.NewMediaConflictError("a document cannot be combined with images or video")
	}
	return nil
}

func (s *Service) publishingProfile(ctx context.Context, post *models.Post) (*models.LinkedInProfile, error) {
	if post.LinkedInProfileID == nil || *post.LinkedInProfileID == "" {
		return nil, profileRequired()
	}
	profile, err := s.store.GetProfile(ctx, post.UserID, *post.LinkedInProfileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, profileRequired()
	}
	if profile.TokenExpired(s.now()) {
		return nil, models.NewValidationError(models.CodeProfileTokenExpired, "linkedInProfileId",
			"the LinkedIn access token has expired; reconnect the profile")
	}
	return profile, nil
}

func profileRequired() error {
	return models.NewValidationError(models.CodeProfileRequired, "linkedInProfileId",
		"a linked LinkedIn profile is required")
}

func contentOf(post *models.Post) linkedin.PostContent {
	c := linkedin.PostContent{
		Text:      post.Content,
		Hashtags:  post.Hashtags,
		Mentions:  post.Mentions,
		ImageURLs: post.ImageURLs,
	}
	if post.VideoURL != nil {
		c.VideoURL = *post.VideoURL
	}
	if post.DocumentURL != nil {
		c.DocumentURL = *post.DocumentURL
	}
	return c
}

// publishFailureMessage is what users and the post log see. It never includes the
// upstream body.
func publishFailureMessage(err error) string {
	switch {
	case errors.Is(err, linkedin.ErrAuthExpired):
		return "LinkedIn rejected the access token; reconnect the profile"
	case errors.Is(err, linkedin.ErrRateLimited):
		return "LinkedIn rate limit reached; try again later"
	case errors.Is(err, linkedin.ErrRejected):
		return "LinkedIn rejected the post"
	case errors.Is(err, context.DeadlineExceeded):
		return "LinkedIn did not respond in time"
	default:
		return "publishing to LinkedIn failed"
	}
}

// fail records the failure on the post and returns cause for the caller.
func (s *Service) fail(ctx context.Context, post *models.Post, cause error) error {
	msg := cause.Error()
	var de *models.Error
	if errors.As(cause, &de) {
		msg = de.Message
	}
	changed, err := s.store.MarkFailed(ctx, post.ID, "Publish failed: "+msg, models.PostStatusDraft, models.PostStatusScheduled)
	if err != nil {
		s.log.Error("mark failed", zap.String("post", post.ID), zap.Error(err))
	}
	if changed {
		post.Status = models.PostStatusFailed
		s.notify(post)
	}
	s.metrics.RecordPublish("failed")
	s.log.Warn("publish failed", zap.String("post", post.ID), zap.String("user", post.UserID), zap.Error(cause))
	return cause
}

func (s *Service) notify(post *models.Post) {
	if s.notifier != nil {
		s.notifier.PostUpdated(post.UserID, post.ID, post.Status)
	}
}
