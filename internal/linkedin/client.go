// Package linkedin talks to the LinkedIn REST API: publishing member posts and the
// OAuth connect flow that yields the access tokens used for it.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrAuthExpired = errors.New("linkedin: access token rejected")
	ErrRateLimited = errors.New("linkedin: rate limited")
	ErrRejected    = errors.New("linkedin: post rejected")
	ErrUpstream    = errors.New("linkedin: upstream error")
)

// APIError carries the HTTP status and a truncated body. It unwraps to one of the
// classification errors above.
type APIError struct {
	Status int
	Body   string
	kind   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v (status %d)", e.kind, e.Status)
}

func (e *APIError) Unwrap() error { return e.kind }

func classify(status int, body []byte) error {
	kind := ErrUpstream
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuthExpired
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status >= 400 && status < 500:
		kind = ErrRejected
	}
	return &APIError{Status: status, Body: truncate(string(body), 600), kind: kind}
}

// Credentials identify the member on whose behalf a post is created.
type Credentials struct {
	AccessToken string
	// ProfileID is the member id; the author URN is derived from it.
	ProfileID string
}

func (c Credentials) AuthorURN() string {
	if strings.HasPrefix(c.ProfileID, "urn:li:") {
		return c.ProfileID
	}
	return "urn:li:person:" + c.ProfileID
}

type PostContent struct {
	Text        string
	Hashtags    []string
	Mentions    []string
	ImageURLs   []string
	VideoURL    string
	DocumentURL string
}

// Commentary renders the post text with hashtags appended on their own line.
func (p PostContent) Commentary() string {
	text := strings.TrimSpace(p.Text)
	tags := make([]string, 0, len(p.Hashtags))
	for _, h := range p.Hashtags {
		h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "#"))
		if h != "" {
			tags = append(tags, "#"+h)
		}
	}
	if len(tags) == 0 {
		return text
	}
	return text + "\n\n" + strings.Join(tags, " ")
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

func NewClient(baseURL string, limits RateLimitConfig) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Limiter:    limits.Limiter(),
	}
}

type ugcMedia struct {
	Status      string `json:"status"`
	OriginalURL string `json:"originalUrl"`
}

type ugcShareContent struct {
	ShareCommentary struct {
		Text string `json:"text"`
	} `json:"shareCommentary"`
	ShareMediaCategory string     `json:"shareMediaCategory"`
	Media              []ugcMedia `json:"media,omitempty"`
}

type ugcPost struct {
	Author          string                     `json:"author"`
	LifecycleState  string                     `json:"lifecycleState"`
	SpecificContent map[string]ugcShareContent `json:"specificContent"`
	Visibility      map[string]string          `json:"visibility"`
}

func buildUGCPost(creds Credentials, content PostContent) ugcPost {
	share := ugcShareContent{ShareMediaCategory: "NONE"}
	share.ShareCommentary.Text = content.Commentary()

	var urls []string
	switch {
	case content.DocumentURL != "":
		urls = []string{content.DocumentURL}
	case content.VideoURL != "":
		urls = []string{content.VideoURL}
	default:
		urls = content.ImageURLs
	}
	if len(urls) > 0 {
		share.ShareMediaCategory = "ARTICLE"
		for _, u := range urls {
			share.Media = append(share.Media, ugcMedia{Status: "READY", OriginalURL: u})
		}
	}
	return ugcPost{
		Author:          creds.AuthorURN(),
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]ugcShareContent{"com.linkedin.ugc.ShareContent": share},
		Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}
}

// CreatePost publishes content and returns LinkedIn's id for the new post.
func (c *Client) CreatePost(ctx context.Context, creds Credentials, content PostContent) (string, error) {
	if strings.TrimSpace(creds.AccessToken) == "" {
		return "", fmt.Errorf("%w: missing access token", ErrAuthExpired)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("linkedin limiter: %w", err)
		}
	}

	body, err := json.Marshal(buildUGCPost(creds, content))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/ugcPosts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify(resp.StatusCode, respBody)
	}
	if id := strings.TrimSpace(resp.Header.Get("X-RestLi-Id")); id != "" {
		return id, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err == nil && out.ID != "" {
		return out.ID, nil
	}
	return "", fmt.Errorf("%w: response carried no post id", ErrUpstream)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
