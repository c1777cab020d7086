package models

import "time"

type PostStatus string

const (
	PostStatusDraft     PostStatus = "DRAFT"
	PostStatusScheduled PostStatus = "SCHEDULED"
	PostStatusPublished PostStatus = "PUBLISHED"
	PostStatusFailed    PostStatus = "FAILED"
)

type PostType string

const (
	PostTypeText     PostType = "text"
	PostTypeImage    PostType = "image"
	PostTypeVideo    PostType = "video"
	PostTypeDocument PostType = "document"
	PostTypeCarousel PostType = "carousel"
)

// PostLogStatus labels an entry of the append-only post audit trail.
type PostLogStatus string

const (
	PostLogCreated   PostLogStatus = "Created"
	PostLogUpdated   PostLogStatus = "Updated"
	PostLogScheduled PostLogStatus = "Scheduled"
	PostLogPublished PostLogStatus = "Published"
	PostLogFailed    PostLogStatus = "Failed"
)

type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// TokenLogType is the kind of a word ledger entry.
type TokenLogType string

const (
	TokenLogTrial    TokenLogType = "TRIAL"
	TokenLogPurchase TokenLogType = "PURCHASE"
	TokenLogUsage    TokenLogType = "USAGE"
	TokenLogCredit   TokenLogType = "CREDIT"
	TokenLogExpiry   TokenLogType = "EXPIRY"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	IsSubscribed bool      `json:"isSubscribed"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Workspace struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type LinkedInProfile struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	ProfileID       string    `json:"profileId"`
	Name            string    `json:"name"`
	AvatarURL       *string   `json:"avatarUrl,omitempty"`
	AccessToken     string    `json:"-"`
	TokenExpiringAt time.Time `json:"tokenExpiringAt"`
	IsDefault       bool      `json:"isDefault"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TokenExpired reports whether the profile must be reconnected before publishing.
func (p *LinkedInProfile) TokenExpired(now time.Time) bool {
	return !p.TokenExpiringAt.After(now)
}

type Post struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	WorkspaceID       string     `json:"workspaceId"`
	LinkedInProfileID *string    `json:"linkedInProfileId,omitempty"`
	Content           string     `json:"content"`
	PostType          PostType   `json:"postType"`
	ImageURLs         []string   `json:"imageUrls"`
	VideoURL          *string    `json:"videoUrl,omitempty"`
	DocumentURL       *string    `json:"documentUrl,omitempty"`
	Hashtags          []string   `json:"hashtags"`
	Mentions          []string   `json:"mentions"`
	Status            PostStatus `json:"status"`
	ScheduledTime     *time.Time `json:"scheduledTime,omitempty"`
	TimeZone          *string    `json:"timeZone,omitempty"`
	PublishedAt       *time.Time `json:"publishedAt,omitempty"`
	PublishedID       *string    `json:"publishedId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type PostLog struct {
	ID        string        `json:"id"`
	PostID    string        `json:"postId"`
	Status    PostLogStatus `json:"status"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"createdAt"`
}

type Subscription struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId"`
	OrderID     *string            `json:"orderId,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	ProductName *string            `json:"productName,omitempty"`
	VariantName *string            `json:"variantName,omitempty"`
	Amount      int64              `json:"amount"`
	Currency    string             `json:"currency"`
	StartDate   time.Time          `json:"startDate"`
	EndDate     time.Time          `json:"endDate"`
	TrialUsed   bool               `json:"trialUsed"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

type AIWordUsage struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	TotalWordLimit int       `json:"totalWordLimit"`
	WordsGenerated int       `json:"wordsGenerated"`
	ExpirationTime time.Time `json:"expirationTime"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Remaining never goes negative even if the stored counters drifted.
func (u *AIWordUsage) Remaining() int {
	if r := u.TotalWordLimit - u.WordsGenerated; r > 0 {
		return r
	}
	return 0
}

type WordTokenLog struct {
	ID          string       `json:"id"`
	UsageID     string       `json:"usageId"`
	UserID      string       `json:"userId"`
	Type        TokenLogType `json:"type"`
	Amount      int          `json:"amount"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// BillingPlan maps a billing provider variant to the word allowance it grants.
type BillingPlan struct {
	VariantID  string `json:"variantId"`
	Name       string `json:"name"`
	Interval   string `json:"interval"`
	WordLimit  int    `json:"wordLimit"`
	PriceCents int    `json:"priceCents"`
	Currency   string `json:"currency"`
	IsActive   bool   `json:"isActive"`
}
