package publishing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

// layouts accepted for a scheduled time without an offset; it is read in the
// requested zone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ScheduleDraft commits an owned DRAFT to be published at scheduledTime. The instant
// is stored in UTC; timeZone only shapes the log message and offset-less input.
func (s *Service) ScheduleDraft(ctx context.Context, userID, postID, scheduledTime, timeZone string) (*models.Post, error) {
	loc, err := loadZone(timeZone)
	if err != nil {
		return nil, err
	}

	post, err := s.store.GetPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, models.NewNotFoundError("post", postID)
	}
	if post.Status != models.PostStatusDraft {
		return nil, models.NewStateConflictError(fmt.Sprintf("only drafts can be scheduled; post is %s", post.Status))
	}
	if post.LinkedInProfileID == nil || *post.LinkedInProfileID == "" {
		return nil, profileRequired()
	}
	owned, err := s.store.ProfileOwnedBy(ctx, userID, *post.LinkedInProfileID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, profileRequired()
	}

	at, err := parseScheduledTime(scheduledTime, loc)
	if err != nil {
		return nil, err
	}
	if !at.After(s.now()) {
		return nil, models.NewValidationError(models.CodePastTime, "scheduledTime", "scheduled time must be in the future")
	}

	zone := loc.String()
	msg := fmt.Sprintf("Post scheduled for %s (%s)", at.In(loc).Format("Jan 2, 2006 3:04 PM MST"), zone)
	ok, err := s.store.MarkScheduled(ctx, userID, post.ID, at, zone, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewStateConflictError("post is no longer a draft")
	}

	at = at.UTC()
	post.Status = models.PostStatusScheduled
	post.ScheduledTime = &at
	post.TimeZone = &zone
	s.log.Info("scheduled", zap.String("post", post.ID), zap.String("user", userID), zap.Time("at", at), zap.String("zone", zone))
	s.notify(post)
	return post, nil
}

func loadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	// LoadLocation maps "" to UTC and "Local" to the server zone; neither is a user zone
	if name == "" || name == "Local" {
		return nil, models.NewValidationError(models.CodeInvalidTimeZone, "timeZone", "a valid IANA time zone is required")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, models.NewValidationError(models.CodeInvalidTimeZone, "timeZone", fmt.Sprintf("unknown time zone %q", name))
	}
	return loc, nil
}

func parseScheduledTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, models.NewValidationError(models.CodeInvalidTime, "scheduledTime",
		"scheduled time must be RFC 3339 or YYYY-MM-DDTHH:MM")
}
