package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const profileColumns = `id, user_id, profile_id, name, avatar_url, access_token, token_expiring_at, is_default, created_at, updated_at`

func scanProfile(row scanner) (*models.LinkedInProfile, error) {
	var p models.LinkedInProfile
	var avatar sql.NullString
	if err := row.Scan(&p.ID, &p.UserID, &p.ProfileID, &p.Name, &avatar, &p.AccessToken,
		&p.TokenExpiringAt, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AvatarURL = nullStringPtr(avatar)
	return &p, nil
}

// GetProfile returns the LinkedIn profile row owned by userID, or nil.
func (s *Store) GetProfile(ctx context.Context, userID, id string) (*models.LinkedInProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		  FROM public.linkedin_profiles
		 WHERE id = $1 AND user_id = $2
	`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context, userID string) ([]models.LinkedInProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		  FROM public.linkedin_profiles
		 WHERE user_id = $1
		 ORDER BY is_default DESC, created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]models.LinkedInProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SaveProfile upserts a connected profile by (user_id, profile_id). The first profile a
// user connects becomes the default.
func (s *Store) SaveProfile(ctx context.Context, p *models.LinkedInProfile) error {
	if p.ID == "" {
		p.ID = newID()
	}
	out, err := scanProfile(s.db.QueryRowContext(ctx, `
		INSERT INTO public.linkedin_profiles
		  (id, user_id, profile_id, name, avatar_url, access_token, token_expiring_at, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        NOT EXISTS (SELECT 1 FROM public.linkedin_profiles WHERE user_id = $2),
		        NOW(), NOW())
		ON CONFLICT (user_id, profile_id) DO UPDATE SET
		  name = EXCLUDED.name,
		  avatar_url = COALESCE(EXCLUDED.avatar_url, public.linkedin_profiles.avatar_url),
		  access_token = EXCLUDED.access_token,
		  token_expiring_at = EXCLUDED.token_expiring_at,
		  updated_at = NOW()
		RETURNING `+profileColumns,
		p.ID, p.UserID, p.ProfileID, p.Name, p.AvatarURL, p.AccessToken, p.TokenExpiringAt.UTC()))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	*p = *out
	return nil
}

// SetDefaultProfile clears the current default and sets the given profile in one
// transaction. Returns false when the profile is not owned by userID.
func (s *Store) SetDefaultProfile(ctx context.Context, userID, id string) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE public.linkedin_profiles
			   SET is_default = FALSE, updated_at = NOW()
			 WHERE user_id = $1 AND is_default
		`, userID); err != nil {
			return fmt.Errorf("clear default profile: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE public.linkedin_profiles
			   SET is_default = TRUE, updated_at = NOW()
			 WHERE id = $1 AND user_id = $2
		`, id, userID)
		if err != nil {
			return fmt.Errorf("set default profile: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// roll back the clear so the user keeps the old default
			return errProfileNotOwned
		}
		found = true
		return nil
	})
	if errors.Is(err, errProfileNotOwned) {
		return false, nil
	}
	return found, err
}

var errProfileNotOwned = errors.New("profile not owned")

// WorkspaceOwnedBy reports whether the workspace exists and belongs to userID.
func (s *Store) WorkspaceOwnedBy(ctx context.Context, userID, workspaceID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM public.workspaces WHERE id = $1 AND user_id = $2)
	`, workspaceID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("workspace ownership: %w", err)
	}
	return ok, nil
}

// ProfileOwnedBy reports whether the LinkedIn profile row belongs to userID.
func (s *Store) ProfileOwnedBy(ctx context.Context, userID, profileID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM public.linkedin_profiles WHERE id = $1 AND user_id = $2)
	`, profileID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("profile ownership: %w", err)
	}
	return ok, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var subscribed int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, is_subscribed, is_admin, created_at
		  FROM public.users
		 WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, &subscribed, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.IsSubscribed = subscribed == 1
	return &u, nil
}

// UpsertUser creates the user on first login without clobbering known fields.
func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	var subscribed int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO public.users (id, email, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), public.users.name)
		RETURNING id, email, name, is_subscribed, is_admin, created_at
	`, u.ID, u.Email, u.Name).Scan(&u.ID, &u.Email, &u.Name, &subscribed, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	u.IsSubscribed = subscribed == 1
	return nil
}
