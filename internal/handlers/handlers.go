// Package handlers is the HTTP surface over the core services. Handlers decode,
// call one service operation and render the uniform response envelope.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/billing"
	"github.com/PortNumber53/linkedin-studio/internal/generation"
	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/middleware"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/publishing"
	"github.com/PortNumber53/linkedin-studio/internal/realtime"
	"github.com/PortNumber53/linkedin-studio/internal/usage"
	"github.com/PortNumber53/linkedin-studio/internal/workers"
)

type PostService interface {
	CreateOrUpdateDraft(ctx context.Context, userID string, in publishing.DraftInput) (*models.Post, error)
	ScheduleDraft(ctx context.Context, userID, postID, scheduledTime, timeZone string) (*models.Post, error)
	PublishNow(ctx context.Context, userID, postID string) (*models.Post, error)
}

// PostReader and the other lookup interfaces below are satisfied by *store.Store.
type PostReader interface {
	GetPost(ctx context.Context, userID, postID string) (*models.Post, error)
	ListPostLogs(ctx context.Context, postID string) ([]models.PostLog, error)
}

type UsageService interface {
	Summary(ctx context.Context, userID string) (usage.Availability, error)
	Ledger(ctx context.Context, userID string, limit int) ([]models.WordTokenLog, error)
	Credit(ctx context.Context, userID string, amount int, typ models.TokenLogType, description string) (*models.AIWordUsage, error)
}

type BillingService interface {
	CurrentActive(ctx context.Context, userID string) (*models.Subscription, error)
	IsTrialActive(ctx context.Context, userID string) (bool, error)
	CreateTrial(ctx context.Context, userID string) (*billing.TrialResult, error)
	EnsureTrialOnLogin(ctx context.Context, userID string) (*billing.TrialResult, error)
	ApplyWebhookEvent(ctx context.Context, ev billing.Event) (billing.Result, error)
}

type Generator interface {
	Generate(ctx context.Context, userID string, p generation.Prompt) (*generation.Result, error)
}

type ProfileStore interface {
	ListProfiles(ctx context.Context, userID string) ([]models.LinkedInProfile, error)
	SetDefaultProfile(ctx context.Context, userID, id string) (bool, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
}

// LinkedInConnector runs the OAuth flow; *linkedin.Connector implements it.
type LinkedInConnector interface {
	AuthURL(ctx context.Context, userID string) (string, error)
	Complete(ctx context.Context, state, code string) (*models.LinkedInProfile, error)
}

type SweepRunner interface {
	RunOnce(ctx context.Context, now time.Time) (workers.SweepResult, error)
}

type Deps struct {
	Posts      PostService
	PostReader PostReader
	Usage      UsageService
	Billing    BillingService
	Generator  Generator
	Profiles   ProfileStore
	Users      UserStore
	LinkedIn   LinkedInConnector
	Sweep      SweepRunner
	Hub        *realtime.Hub
	Gate       *middleware.Gate
	Log        *zap.Logger

	LemonSqueezySecret string
	StripeSecret       string
	InternalWSSecret   string
	// OAuthDoneURL is where the LinkedIn callback sends the browser; empty means
	// answer with JSON.
	OAuthDoneURL string
}

type Handler struct {
	Deps
	log *zap.Logger
	now func() time.Time
}

func New(d Deps) *Handler {
	return &Handler{Deps: d, log: logger.OrNop(d.Log).Named("http"), now: time.Now}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type syncUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type sessionResponse struct {
	User         *models.User         `json:"user"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	TrialCreated bool                 `json:"trialCreated"`
}

// SyncUser records the signed-in user and starts their trial on first login.
func (h *Handler) SyncUser(w http.ResponseWriter, r *http.Request) {
	var req syncUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w)
		return
	}
	u := &models.User{ID: userID(r), Email: strings.TrimSpace(req.Email), Name: strings.TrimSpace(req.Name)}
	if err := h.Users.UpsertUser(r.Context(), u); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	resp := sessionResponse{User: u}
	trial, err := h.Billing.EnsureTrialOnLogin(r.Context(), u.ID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if trial != nil {
		resp.TrialCreated = true
		resp.Subscription = trial.Subscription
	} else if resp.Subscription, err = h.Billing.CurrentActive(r.Context(), u.ID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

// Posts

func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var in publishing.DraftInput
	if err := decodeJSON(w, r, &in); err != nil {
		badBody(w)
		return
	}
	status := http.StatusCreated
	if id := pathVar(r, "id"); id != "" {
		in.ID = id
		status = http.StatusOK
	}
	post, err := h.Posts.CreateOrUpdateDraft(r.Context(), userID(r), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, status, post)
}

type postDetail struct {
	*models.Post
	Logs []models.PostLog `json:"logs"`
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	post, err := h.PostReader.GetPost(r.Context(), userID(r), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if post == nil {
		h.writeFailure(w, r, models.NewNotFoundError("post", id))
		return
	}
	logs, err := h.PostReader.ListPostLogs(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, postDetail{Post: post, Logs: logs})
}

type scheduleRequest struct {
	ScheduledTime string `json:"scheduledTime"`
	TimeZone      string `json:"timeZone"`
}

func (h *Handler) SchedulePost(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w)
		return
	}
	post, err := h.Posts.ScheduleDraft(r.Context(), userID(r), pathVar(r, "id"), req.ScheduledTime, req.TimeZone)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, post)
}

func (h *Handler) PublishPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.Posts.PublishNow(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, post)
}

// Generation and usage

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var p generation.Prompt
	if err := decodeJSON(w, r, &p); err != nil {
		badBody(w)
		return
	}
	res, err := h.Generator.Generate(r.Context(), userID(r), p)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	a, err := h.Usage.Summary(r.Context(), userID(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, a)
}

func (h *Handler) UsageLedger(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	logs, err := h.Usage.Ledger(r.Context(), userID(r), limit)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, logs)
}

type creditRequest struct {
	Amount      int                 `json:"amount"`
	Type        models.TokenLogType `json:"type"`
	Description string              `json:"description"`
}

// CreditWords is the admin adjustment of another user's allowance.
func (h *Handler) CreditWords(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w)
		return
	}
	if req.Type == "" {
		req.Type = models.TokenLogCredit
	}
	if req.Description == "" {
		req.Description = "manual credit by " + userID(r)
	}
	u, err := h.Usage.Credit(r.Context(), pathVar(r, "userId"), req.Amount, req.Type, req.Description)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, u)
}

// RunSweep triggers one scheduler pass out of band.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweep == nil {
		writeError(w, http.StatusServiceUnavailable, "SCHEDULER_DISABLED", "scheduler is disabled")
		return
	}
	res, err := h.Sweep.RunOnce(r.Context(), h.now())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
