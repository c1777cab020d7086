// Package middleware gates routes by the capability they require: an
// authenticated caller, an active subscription or trial, or an admin.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/models"
)

type Capability int

const (
	Public Capability = iota
	Authenticated
	Subscribed
	Admin
)

func (c Capability) String() string {
	switch c {
	case Public:
		return "public"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	case Admin:
		return "admin"
	}
	return "unknown"
}

// SubscriptionChecker is satisfied by *billing.Service.
type SubscriptionChecker interface {
	Allowed(ctx context.Context, userID string) (bool, error)
}

// UserLookup is satisfied by *store.Store.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type Gate struct {
	Secret        string
	Subscriptions SubscriptionChecker
	Users         UserLookup
	Log           *zap.Logger
}

// Require wraps next so it only runs for callers holding capability c.
func (g *Gate) Require(c Capability, next http.Handler) http.Handler {
	if c == Public {
		return next
	}
	log := logger.OrNop(g.Log).Named("gate")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		userID, err := ParseToken(g.Secret, raw)
		if err != nil {
			log.Debug("token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired session")
			return
		}
		ctx := r.Context()

		switch c {
		case Subscribed:
			ok, err := g.Subscriptions.Allowed(ctx, userID)
			if err != nil {
				log.Error("subscription check", zap.String("user", userID), zap.Error(err))
				deny(w, http.StatusInternalServerError, "INTERNAL", "internal error")
				return
			}
			if !ok {
				deny(w, http.StatusPaymentRequired, "SUBSCRIPTION_REQUIRED",
					"an active subscription or trial is required")
				return
			}
		case Admin:
			u, err := g.Users.GetUser(ctx, userID)
			if err != nil {
				log.Error("admin check", zap.String("user", userID), zap.Error(err))
				deny(w, http.StatusInternalServerError, "INTERNAL", "internal error")
				return
			}
			if u == nil || !u.IsAdmin {
				deny(w, http.StatusForbidden, "FORBIDDEN", "admin access required")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(ctx, userID)))
	})
}

func deny(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
