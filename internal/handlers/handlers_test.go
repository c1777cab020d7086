package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/PortNumber53/linkedin-studio/internal/billing"
	"github.com/PortNumber53/linkedin-studio/internal/generation"
	"github.com/PortNumber53/linkedin-studio/internal/linkedin"
	"github.com/PortNumber53/linkedin-studio/internal/middleware"
	"github.com/PortNumber53/linkedin-studio/internal/models"
	"github.com/PortNumber53/linkedin-studio/internal/publishing"
	"github.com/PortNumber53/linkedin-studio/internal/usage"
	"github.com/PortNumber53/linkedin-studio/internal/workers"
)

const jwtSecret = "handler-test-secret"

type fakePosts struct {
	lastDraft publishing.DraftInput
	err       error
}

func (f *fakePosts) CreateOrUpdateDraft(_ context.Context, userID string, in publishing.DraftInput) (*models.Post, error) {
	f.lastDraft = in
	if f.err != nil {
		return nil, f.err
	}
	id := in.ID
	if id == "" {
		id = "new-post"
	}
	return &models.Post{ID: id, UserID: userID, Content: in.Content, Status: models.PostStatusDraft}, nil
}

func (f *fakePosts) ScheduleDraft(_ context.Context, userID, postID, at, tz string) (*models.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Post{ID: postID, UserID: userID, Status: models.PostStatusScheduled, TimeZone: &tz}, nil
}

func (f *fakePosts) PublishNow(_ context.Context, userID, postID string) (*models.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Post{ID: postID, UserID: userID, Status: models.PostStatusPublished}, nil
}

type fakeBilling struct {
	allowed map[string]bool
	applied []billing.Event
	outcome billing.Outcome
}

func (f *fakeBilling) Allowed(_ context.Context, userID string) (bool, error) { return f.allowed[userID], nil }

func (f *fakeBilling) CurrentActive(context.Context, string) (*models.Subscription, error) {
	return nil, nil
}

func (f *fakeBilling) IsTrialActive(_ context.Context, userID string) (bool, error) {
	return f.allowed[userID], nil
}

func (f *fakeBilling) CreateTrial(_ context.Context, userID string) (*billing.TrialResult, error) {
	return nil, models.NewStateConflictError("trial already used")
}

func (f *fakeBilling) EnsureTrialOnLogin(_ context.Context, userID string) (*billing.TrialResult, error) {
	return &billing.TrialResult{
		Subscription: &models.Subscription{UserID: userID, Status: models.SubscriptionTrial},
		UsageSeeded:  true,
	}, nil
}

func (f *fakeBilling) ApplyWebhookEvent(_ context.Context, ev billing.Event) (billing.Result, error) {
	f.applied = append(f.applied, ev)
	return billing.Result{Outcome: f.outcome}, nil
}

type fakeGenerator struct{ err error }

func (f fakeGenerator) Generate(context.Context, string, generation.Prompt) (*generation.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &generation.Result{Text: "hello world", Words: 2, Remaining: 98, Total: 100}, nil
}

type fakeUsers struct{ upserted []*models.User }

func (f *fakeUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	if id == "root" {
		return &models.User{ID: id, IsAdmin: true}, nil
	}
	return &models.User{ID: id}, nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, u *models.User) error {
	f.upserted = append(f.upserted, u)
	return nil
}

type fakeUsage struct{ credited int }

func (f *fakeUsage) Summary(context.Context, string) (usage.Availability, error) {
	return usage.Availability{Allowed: true, Remaining: 10, Total: 100}, nil
}

func (f *fakeUsage) Ledger(context.Context, string, int) ([]models.WordTokenLog, error) {
	return []models.WordTokenLog{}, nil
}

func (f *fakeUsage) Credit(_ context.Context, userID string, amount int, typ models.TokenLogType, _ string) (*models.AIWordUsage, error) {
	f.credited += amount
	return &models.AIWordUsage{UserID: userID, TotalWordLimit: 100 + amount}, nil
}

type fakeSweep struct{ runs int }

func (f *fakeSweep) RunOnce(context.Context, time.Time) (workers.SweepResult, error) {
	f.runs++
	return workers.SweepResult{Processed: 1, Published: 1}, nil
}

type testEnv struct {
	router  *mux.Router
	posts   *fakePosts
	billing *fakeBilling
	usage   *fakeUsage
	sweep   *fakeSweep
	users   *fakeUsers
}

func newTestEnv(gen Generator) *testEnv {
	env := &testEnv{
		router:  mux.NewRouter(),
		posts:   &fakePosts{},
		billing: &fakeBilling{allowed: map[string]bool{"paid": true, "root": true}, outcome: billing.OutcomeApplied},
		usage:   &fakeUsage{},
		sweep:   &fakeSweep{},
		users:   &fakeUsers{},
	}
	if gen == nil {
		gen = fakeGenerator{}
	}
	h := New(Deps{
		Posts:              env.posts,
		Usage:              env.usage,
		Billing:            env.billing,
		Generator:          gen,
		Users:              env.users,
		Sweep:              env.sweep,
		Gate:               &middleware.Gate{Secret: jwtSecret, Subscriptions: env.billing, Users: env.users},
		LemonSqueezySecret: "ls-secret",
	})
	h.Register(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		tok, err := middleware.IssueToken(jwtSecret, user, "", time.Hour, time.Now())
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("response is not json: %q", rr.Body.String())
		}
	}
	return rr, env
}

func TestHealth(t *testing.T) {
	env := newTestEnv(nil)
	rr, _ := env.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSaveDraft_CreateAndUpdate(t *testing.T) {
	env := newTestEnv(nil)

	rr, body := env.do(t, http.MethodPost, "/api/posts", "paid", map[string]any{
		"workspaceId": "ws1", "content": "hello", "postType": "text",
	})
	if rr.Code != http.StatusCreated || !body.Success {
		t.Fatalf("expected 201 success, got %d %s", rr.Code, rr.Body.String())
	}
	if env.posts.lastDraft.WorkspaceID != "ws1" || env.posts.lastDraft.ID != "" {
		t.Fatalf("unexpected draft input: %+v", env.posts.lastDraft)
	}

	rr, _ = env.do(t, http.MethodPut, "/api/posts/p9", "paid", map[string]any{
		"workspaceId": "ws1", "content": "edited", "postType": "text",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if env.posts.lastDraft.ID != "p9" {
		t.Fatalf("expected path id to win, got %q", env.posts.lastDraft.ID)
	}
}

func TestSaveDraft_RequiresSubscription(t *testing.T) {
	env := newTestEnv(nil)
	rr, body := env.do(t, http.MethodPost, "/api/posts", "free", map[string]any{"workspaceId": "ws1"})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if body.Success || body.Error == nil || body.Error.Code != "SUBSCRIPTION_REQUIRED" {
		t.Fatalf("unexpected envelope: %s", rr.Body.String())
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(nil)
	rr, body := env.do(t, http.MethodPost, "/api/posts", "paid", "{not json")
	if rr.Code != http.StatusBadRequest || body.Error == nil || body.Error.Code != models.CodeValidation {
		t.Fatalf("expected 400 validation, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", models.NewNotFoundError("post", "p1"), http.StatusNotFound, models.CodeNotFound},
		{"past time", models.NewValidationError(models.CodePastTime, "scheduledTime", "in the past"), http.StatusBadRequest, models.CodePastTime},
		{"media", models.NewMediaConflictError("pick one"), http.StatusBadRequest, models.CodeMediaConflict},
		{"images", models.NewImageValidationError([]string{"a: too large"}, nil), http.StatusUnprocessableEntity, models.CodeImageValidationFailed},
		{"state", models.NewStateConflictError("not a draft"), http.StatusConflict, models.CodeStateConflict},
		{"upstream", models.NewExternalServiceError("linkedin", "reconnect the profile", errors.New("token=abc123")), http.StatusBadGateway, models.CodeExternalService},
		{"unexpected", errors.New("pq: connection reset"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(nil)
			env.posts.err = tc.err
			rr, body := env.do(t, http.MethodPost, "/api/posts/p1/publish", "paid", nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if body.Error == nil || body.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, rr.Body.String())
			}
			if bytes.Contains(rr.Body.Bytes(), []byte("abc123")) || bytes.Contains(rr.Body.Bytes(), []byte("pq:")) {
				t.Fatalf("internal cause leaked: %s", rr.Body.String())
			}
		})
	}
}

func TestImageErrorListsDetails(t *testing.T) {
	env := newTestEnv(nil)
	env.posts.err = models.NewImageValidationError([]string{"https://a/x.png: too large", "https://a/y.pdf: unsupported type"}, nil)
	_, body := env.do(t, http.MethodPost, "/api/posts/p1/publish", "paid", nil)
	if body.Error == nil || len(body.Error.Details) != 2 || body.Error.Field != "imageUrls" {
		t.Fatalf("expected two details on imageUrls, got %+v", body.Error)
	}
}

func TestGenerate_QuotaDenied(t *testing.T) {
	env := newTestEnv(fakeGenerator{err: models.NewTokenUnavailableError(string(usage.ReasonInsufficientBalance), 50, 3000)})
	rr, body := env.do(t, http.MethodPost, "/api/generate", "paid", map[string]any{"topic": "go"})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if body.Error == nil || body.Error.Code != models.CodeTokenUnavailable {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestSyncUser_StartsTrial(t *testing.T) {
	env := newTestEnv(nil)
	rr, body := env.do(t, http.MethodPost, "/api/users/sync", "newbie", map[string]string{"email": " n@example.com "})
	if rr.Code != http.StatusOK || !body.Success {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if len(env.users.upserted) != 1 || env.users.upserted[0].Email != "n@example.com" || env.users.upserted[0].ID != "newbie" {
		t.Fatalf("unexpected upsert: %+v", env.users.upserted)
	}
	data, _ := json.Marshal(body.Data)
	var resp sessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.TrialCreated {
		t.Fatalf("expected trial to be created")
	}
}

func TestStartTrial_Twice(t *testing.T) {
	env := newTestEnv(nil)
	rr, _ := env.do(t, http.MethodPost, "/api/subscription/trial", "paid", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(nil)

	rr, _ := env.do(t, http.MethodPost, "/api/admin/users/u1/credits", "paid", map[string]any{"amount": 500})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}
	rr, _ = env.do(t, http.MethodPost, "/api/admin/users/u1/credits", "root", map[string]any{"amount": 500})
	if rr.Code != http.StatusOK || env.usage.credited != 500 {
		t.Fatalf("expected credit of 500, got %d (%d)", rr.Code, env.usage.credited)
	}
	rr, _ = env.do(t, http.MethodPost, "/api/admin/scheduler/sweep", "root", nil)
	if rr.Code != http.StatusOK || env.sweep.runs != 1 {
		t.Fatalf("expected one sweep, got %d (%d)", rr.Code, env.sweep.runs)
	}
}

func lsSign(body []byte) string {
	mac := hmac.New(sha256.New, []byte("ls-secret"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func lsCancelled(orderID int) []byte {
	return []byte(fmt.Sprintf(`{
  "meta": {"event_name": "subscription_cancelled", "custom_data": {"user_id": "u1"}},
  "data": {"type": "subscriptions", "id": "9", "attributes": {
    "order_id": %d, "variant_id": 77, "status": "cancelled",
    "created_at": "2026-05-10T08:00:00Z", "updated_at": "2026-05-11T08:00:00Z"}}
}`, orderID))
}

func postWebhook(env *testEnv, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func TestLemonSqueezyWebhook(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		env := newTestEnv(nil)
		rr := postWebhook(env, "/api/webhooks/lemonsqueezy", lsCancelled(1), map[string]string{"X-Signature": "deadbeef"})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		if len(env.billing.applied) != 0 {
			t.Fatalf("event must not be applied")
		}
	})

	t.Run("unknown order is acknowledged", func(t *testing.T) {
		env := newTestEnv(nil)
		env.billing.outcome = billing.OutcomeNotFound
		body := lsCancelled(424242)
		rr := postWebhook(env, "/api/webhooks/lemonsqueezy", body, map[string]string{"X-Signature": lsSign(body)})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
		}
		if len(env.billing.applied) != 1 || env.billing.applied[0].OrderID != "424242" {
			t.Fatalf("unexpected applied events: %+v", env.billing.applied)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte(`"not_found"`)) {
			t.Fatalf("expected not_found outcome, got %s", rr.Body.String())
		}
	})

	t.Run("unsupported event is acknowledged", func(t *testing.T) {
		env := newTestEnv(nil)
		body := []byte(`{"meta":{"event_name":"license_key_created"},"data":{"type":"license-keys","id":"1","attributes":{}}}`)
		rr := postWebhook(env, "/api/webhooks/lemonsqueezy", body, map[string]string{"X-Signature": lsSign(body)})
		if rr.Code != http.StatusOK || len(env.billing.applied) != 0 {
			t.Fatalf("expected ignored 200, got %d", rr.Code)
		}
	})
}

func TestStripeWebhook_NotConfigured(t *testing.T) {
	env := newTestEnv(nil)
	rr := postWebhook(env, "/api/webhooks/stripe", []byte(`{}`), map[string]string{"Stripe-Signature": "t=1,v1=x"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

type fakeConnector struct{}

func (fakeConnector) AuthURL(_ context.Context, userID string) (string, error) {
	return "https://www.linkedin.com/oauth/v2/authorization?state=s-" + userID, nil
}

func (fakeConnector) Complete(_ context.Context, state, code string) (*models.LinkedInProfile, error) {
	if state != "good" {
		return nil, models.NewValidationError(models.CodeValidation, "state", "unknown or expired state")
	}
	return &models.LinkedInProfile{ID: "prof-1", UserID: "u1"}, nil
}

func TestLinkedInCallback_Redirects(t *testing.T) {
	r := mux.NewRouter()
	New(Deps{LinkedIn: fakeConnector{}, OAuthDoneURL: "https://app.example.com/settings?tab=linkedin"}).Register(r)

	req := httptest.NewRequest(http.MethodGet, "/api/linkedin/callback?state=good&code=c", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	want := "https://app.example.com/settings?linkedin=connected&profile=prof-1&tab=linkedin"
	if got := rr.Header().Get("Location"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/linkedin/callback?state=bad&code=c", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if got := rr.Header().Get("Location"); got != "https://app.example.com/settings?linkedin=error&tab=linkedin" {
		t.Fatalf("unexpected redirect %s", got)
	}
}

func TestLinkedInCallback_JSONWithoutRedirect(t *testing.T) {
	r := mux.NewRouter()
	New(Deps{LinkedIn: fakeConnector{}}).Register(r)

	req := httptest.NewRequest(http.MethodGet, "/api/linkedin/callback?error=user_cancelled_login", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

// keep the linkedin package's Connector honest against the handler contract
var _ LinkedInConnector = (*linkedin.Connector)(nil)
