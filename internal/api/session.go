package api

import (
	"net/http"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/ashureev/aura-client/internal/session"
)

type sessionView struct {
	State            session.State    `json:"state"`
	Identity         *domain.Identity `json:"identity,omitempty"`
	FederatedEnabled bool             `json:"federated_enabled"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedRequest struct {
	Credential string `json:"credential"`
}

func (h *Handler) sessionView() sessionView {
	return sessionView{
		State:            h.session.State(),
		Identity:         h.session.Identity(),
		FederatedEnabled: h.federated != nil,
	}
}

// GetSession returns the current authentication state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.sessionView())
}

// SignIn authenticates with email and password.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.session.SignIn(r.Context(), req.Email, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.sessionView())
}

// SignUp registers a new account and signs it in.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.session.SignUp(r.Context(), req.Name, req.Email, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, h.sessionView())
}

// Federated signs in with an ID token the browser obtained from Google.
func (h *Handler) Federated(w http.ResponseWriter, r *http.Request) {
	var req federatedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.session.FederatedSignIn(r.Context(), req.Credential); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.sessionView())
}

// SignOut discards the identity. It always succeeds.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.session.SignOut(r.Context())
	JSON(w, http.StatusOK, h.sessionView())
}

// FederatedStart redirects the browser to the provider consent page.
func (h *Handler) FederatedStart(w http.ResponseWriter, r *http.Request) {
	if h.federated == nil {
		Error(w, http.StatusNotFound, "federated sign-in is not configured")
		return
	}
	authURL, _ := h.federated.Start()
	http.Redirect(w, r, authURL, http.StatusFound)
}

// FederatedCallback completes the code exchange and signs in with the
// resulting ID token.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	if h.federated == nil {
		Error(w, http.StatusNotFound, "federated sign-in is not configured")
		return
	}

	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		h.logger.Info("federated sign-in declined", "reason", reason)
		Error(w, http.StatusBadRequest, "sign-in was declined")
		return
	}

	idToken, err := h.federated.Exchange(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.session.FederatedSignIn(r.Context(), idToken); err != nil {
		h.writeError(w, r, err)
		return
	}

	target := h.frontendURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}
