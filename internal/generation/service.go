package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/usage"
)

const generateTimeout = 30 * time.Second

type Generator interface {
	GenerateText(ctx context.Context, p Prompt) (string, error)
}

// Meter is the slice of usage.Service the generator charges through.
type Meter interface {
	CheckAvailability(ctx context.Context, userID string, requested int) (usage.Availability, error)
	Deduct(ctx context.Context, userID string, words int, description string) (*models.AIWordUsage, error)
}

type Result struct {
	Text      string `json:"text"`
	Words     int    `json:"words"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
}

type Service struct {
	gen      Generator
	meter    Meter
	log      *zap.Logger
	validate *validator.Validate
}

func NewService(gen Generator, meter Meter, log *zap.Logger) *Service {
	return &Service{
		gen:      gen,
		meter:    meter,
		log:      logger.OrNop(log).Named("generation"),
		validate: validator.New(),
	}
}

// Generate produces text for the user and charges its word count. Text that would
// overdraw the quota is discarded and a TokenUnavailable error returned.
func (s *Service) Generate(ctx context.Context, userID string, p Prompt) (*Result, error) {
	p.Topic = strings.TrimSpace(p.Topic)
	if err := s.validate.Struct(p); err != nil {
		field := "topic"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = strings.ToLower(verrs[0].Field()[:1]) + verrs[0].Field()[1:]
		}
		return nil, models.NewValidationError(models.CodeValidation, field, fmt.Sprintf("invalid prompt field %s", field))
	}

	// no point paying for a completion the user cannot be charged for
	pre, err := s.meter.CheckAvailability(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if !pre.Allowed {
		return nil, models.NewTokenUnavailableError(string(pre.Reason), pre.Remaining, pre.Total)
	}

	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	text, err := s.gen.GenerateText(genCtx, p)
	cancel()
	if err != nil {
		s.log.Warn("generate failed", zap.String("user", userID), zap.Error(err))
		return nil, models.NewExternalServiceError("openai", "text generation failed", err)
	}

	words := usage.CountWords(text)
	if words == 0 {
		return nil, models.NewExternalServiceError("openai", "empty completion", nil)
	}
	avail, err := s.meter.CheckAvailability(ctx, userID, words)
	if err != nil {
		return nil, err
	}
	if !avail.Allowed {
		s.log.Info("generation over quota", zap.String("user", userID), zap.Int("words", words), zap.String("reason", string(avail.Reason)))
		return nil, models.NewTokenUnavailableError(string(avail.Reason), avail.Remaining, avail.Total)
	}

	u, err := s.meter.Deduct(ctx, userID, words, fmt.Sprintf("Generated post about %q", truncate(p.Topic, 80)))
	if err != nil {
		return nil, err
	}
	s.log.Info("generated", zap.String("user", userID), zap.Int("words", words), zap.Int("remaining", u.Remaining()))
	return &Result{Text: text, Words: words, Remaining: u.Remaining(), Total: u.TotalWordLimit}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
