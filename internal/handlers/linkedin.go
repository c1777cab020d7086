package handlers

import (
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

func (h *Handler) ConnectLinkedIn(w http.ResponseWriter, r *http.Request) {
	u, err := h.LinkedIn.AuthURL(r.Context(), userID(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"url": u})
}

// LinkedInCallback is public: the single-use state carries the user.
func (h *Handler) LinkedInCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.log.Info("linkedin authorization declined", zap.String("error", e))
		h.oauthDone(w, r, nil, models.NewValidationError(models.CodeValidation, "code", "LinkedIn authorization was declined"))
		return
	}
	profile, err := h.LinkedIn.Complete(r.Context(), q.Get("state"), q.Get("code"))
	h.oauthDone(w, r, profile, err)
}

func (h *Handler) oauthDone(w http.ResponseWriter, r *http.Request, p *models.LinkedInProfile, err error) {
	if h.OAuthDoneURL == "" {
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeData(w, http.StatusOK, p)
		return
	}
	target, perr := url.Parse(h.OAuthDoneURL)
	if perr != nil {
		h.writeFailure(w, r, perr)
		return
	}
	v := target.Query()
	if err != nil {
		h.log.Warn("linkedin connect failed", zap.Error(err))
		v.Set("linkedin", "error")
	} else {
		v.Set("linkedin", "connected")
		v.Set("profile", p.ID)
	}
	target.RawQuery = v.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Profiles.ListProfiles(r.Context(), userID(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ps)
}

func (h *Handler) SetDefaultProfile(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	ok, err := h.Profiles.SetDefaultProfile(r.Context(), userID(r), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !ok {
		h.writeFailure(w, r, models.NewNotFoundError("linkedin profile", id))
		return
	}
	writeData(w, http.StatusOK, map[string]string{"defaultProfileId": id})
}
