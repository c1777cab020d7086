package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://www.linkedin.com/oauth/v2/authorization",
	TokenURL:  "https://www.linkedin.com/oauth/v2/accessToken",
	AuthStyle: oauth2.AuthStyleInParams,
}

var DefaultScopes = []string{"openid", "profile", "email", "w_member_social"}

// StateStore keeps OAuth CSRF nonces between the redirect and the callback.
// Consume is single use.
type StateStore interface {
	Save(ctx context.Context, state, userID string, ttl time.Duration) error
	Consume(ctx context.Context, state string) (userID string, ok bool, err error)
}

type RedisStateStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisStateStore(rdb redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, prefix: "linkedin:oauth:state:"}
}

func (s *RedisStateStore) Save(ctx context.Context, state, userID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+state, userID, ttl).Err(); err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (string, bool, error) {
	userID, err := s.rdb.GetDel(ctx, s.prefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume oauth state: %w", err)
	}
	return userID, true, nil
}

// MemoryStateStore is the single-instance fallback when Redis is not configured.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryState
	now     func() time.Time
}

type memoryState struct {
	userID  string
	expires time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: map[string]memoryState{}, now: time.Now}
}

func (s *MemoryStateStore) Save(_ context.Context, state, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.After(v.expires) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = memoryState{userID: userID, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	delete(s.entries, state)
	if !ok || s.now().After(e.expires) {
		return "", false, nil
	}
	return e.userID, true, nil
}

// ProfileSaver persists a connected profile; *store.Store implements it.
type ProfileSaver interface {
	SaveProfile(ctx context.Context, p *models.LinkedInProfile) error
}

type Connector struct {
	OAuth    *oauth2.Config
	States   StateStore
	Profiles ProfileSaver
	// APIBase serves /v2/userinfo.
	APIBase    string
	StateTTL   time.Duration
	HTTPClient *http.Client
}

func NewConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       DefaultScopes,
		Endpoint:     Endpoint,
	}
}

// AuthURL starts the connect flow for userID and returns the consent URL.
func (c *Connector) AuthURL(ctx context.Context, userID string) (string, error) {
	ttl := c.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	state := uuid.NewString()
	if err := c.States.Save(ctx, state, userID, ttl); err != nil {
		return "", err
	}
	return c.OAuth.AuthCodeURL(state), nil
}

type userInfo struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Complete handles the OAuth callback: it redeems the state, exchanges the code and
// stores the member profile with its token.
func (c *Connector) Complete(ctx context.Context, state, code string) (*models.LinkedInProfile, error) {
	if state == "" || code == "" {
		return nil, models.NewValidationError(models.CodeValidation, "state", "missing state or code")
	}
	userID, ok, err := c.States.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewValidationError(models.CodeValidation, "state", "unknown or expired oauth state")
	}

	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	tok, err := c.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, models.NewExternalServiceError("linkedin", "token exchange failed", err)
	}

	info, err := c.fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, models.NewExternalServiceError("linkedin", "profile lookup failed", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		// LinkedIn member tokens live 60 days
		expiry = time.Now().Add(60 * 24 * time.Hour)
	}
	p := &models.LinkedInProfile{
		UserID:          userID,
		ProfileID:       info.Sub,
		Name:            info.Name,
		AccessToken:     tok.AccessToken,
		TokenExpiringAt: expiry.UTC(),
	}
	if info.Picture != "" {
		p.AvatarURL = &info.Picture
	}
	if err := c.Profiles.SaveProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Connector) fetchUserInfo(ctx context.Context, accessToken string) (*userInfo, error) {
	base := strings.TrimRight(c.APIBase, "/")
	if base == "" {
		base = "https://api.linkedin.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp.StatusCode, body)
	}
	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo carried no member id")
	}
	return &info, nil
}
