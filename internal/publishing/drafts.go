package publishing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

// DraftInput is the editable part of a post. ID set means update in place.
type DraftInput struct {
	ID                string          `json:"id,omitempty"`
	WorkspaceID       string          `json:"workspaceId" validate:"required"`
	LinkedInProfileID *string         `json:"linkedInProfileId,omitempty"`
	Content           string          `json:"content" validate:"max=3000"`
	PostType          models.PostType `json:"postType" validate:"required,oneof=text image video document carousel"`
	ImageURLs         []string        `json:"imageUrls" validate:"max=9,dive,url"`
	VideoURL          *string         `json:"videoUrl,omitempty" validate:"omitempty,url"`
	DocumentURL       *string         `json:"documentUrl,omitempty" validate:"omitempty,url"`
	Hashtags          []string        `json:"hashtags" validate:"max=30,dive,required,max=100"`
	Mentions          []string        `json:"mentions" validate:"max=50,dive,required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldCodes maps a field whose size limit was exceeded to its error code.
var fieldCodes = map[string]string{
	"content":   models.CodeContentTooLong,
	"imageUrls": models.CodeTooManyImages,
	"hashtags":  models.CodeTooManyHashtags,
	"mentions":  models.CodeTooManyMentions,
}

var fieldLimits = map[string]string{
	"content":   fmt.Sprintf("content exceeds the maximum of %d characters", MaxContentLength),
	"imageUrls": fmt.Sprintf("maximum %d images allowed", MaxImages),
	"hashtags":  fmt.Sprintf("maximum %d hashtags allowed", MaxHashtags),
	"mentions":  fmt.Sprintf("maximum %d mentions allowed", MaxMentions),
}

// validateDraft returns one ValidationFailed error naming the first offending field;
// Details lists every violation.
func validateDraft(in *DraftInput) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.NewValidationError(models.CodeValidation, "", err.Error())
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	out := draftFieldError(verrs[0])
	out.Details = details
	return out
}

func draftFieldError(fe validator.FieldError) *models.Error {
	field := fe.Field()
	// dive errors are reported on the element, e.g. "imageUrls[3]"
	if i := strings.IndexByte(field, '['); i > 0 {
		field = field[:i]
	}
	if fe.Tag() == "max" && fe.Field() == field {
		if code, ok := fieldCodes[field]; ok {
			return models.NewValidationError(code, field, fieldLimits[field])
		}
	}
	switch {
	case field == "postType":
		return models.NewValidationError(models.CodeInvalidPostType, field,
			"postType must be one of text, image, video, document, carousel")
	case fe.Tag() == "required":
		return models.NewValidationError(models.CodeValidation, field, field+" is required")
	case fe.Tag() == "url":
		return models.NewValidationError(models.CodeValidation, field, field+" must contain valid URLs")
	}
	return models.NewValidationError(models.CodeValidation, field, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
}

// CreateOrUpdateDraft validates the input, checks workspace and profile ownership,
// then inserts a new DRAFT or rewrites an owned one. Both paths log in the same
// transaction.
func (s *Service) CreateOrUpdateDraft(ctx context.Context, userID string, in DraftInput) (*models.Post, error) {
	in.WorkspaceID = strings.TrimSpace(in.WorkspaceID)
	if err := validateDraft(&in); err != nil {
		return nil, err
	}

	ok, err := s.store.WorkspaceOwnedBy(ctx, userID, in.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewNotFoundError("workspace", in.WorkspaceID)
	}
	if in.LinkedInProfileID != nil && *in.LinkedInProfileID != "" {
		ok, err := s.store.ProfileOwnedBy(ctx, userID, *in.LinkedInProfileID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.NewNotFoundError("linkedin profile", *in.LinkedInProfileID)
		}
	} else {
		in.LinkedInProfileID = nil
	}

	post := &models.Post{
		ID:                in.ID,
		UserID:            userID,
		WorkspaceID:       in.WorkspaceID,
		LinkedInProfileID: in.LinkedInProfileID,
		Content:           in.Content,
		PostType:          in.PostType,
		ImageURLs:         nonNil(in.ImageURLs),
		VideoURL:          in.VideoURL,
		DocumentURL:       in.DocumentURL,
		Hashtags:          nonNil(in.Hashtags),
		Mentions:          nonNil(in.Mentions),
		Status:            models.PostStatusDraft,
	}

	if in.ID != "" {
		found, err := s.store.UpdateDraft(ctx, post, "Draft updated")
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, models.NewNotFoundError("draft", in.ID)
		}
		s.log.Info("draft updated", zap.String("post", post.ID), zap.String("user", userID))
		s.notify(post)
		return post, nil
	}

	if err := s.store.InsertDraft(ctx, post, "Draft created"); err != nil {
		return nil, err
	}
	s.log.Info("draft created", zap.String("post", post.ID), zap.String("user", userID))
	s.notify(post)
	return post, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
