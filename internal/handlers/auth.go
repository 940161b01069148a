package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/logging"
)

// AuthHandler implements the session endpoints.
type AuthHandler struct {
	Sessions SessionService
	Resets   PasswordResetter
}

// Session handles GET /api/v1/auth/session requests.
func (h AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	respondJSON(ctx, w, http.StatusOK, h.Sessions.Current())
}

// Login handles POST /api/v1/auth/login requests.
func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.credentials(w, r, "login", http.StatusOK, h.signIn)
}

// SignUp handles POST /api/v1/auth/signup requests.
func (h AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	h.credentials(w, r, "signup", http.StatusCreated, h.signUp)
}

func (h AuthHandler) signIn(ctx context.Context, email, password string) (auth.Session, error) {
	return h.Sessions.SignIn(ctx, email, password)
}

func (h AuthHandler) signUp(ctx context.Context, email, password string) (auth.Session, error) {
	return h.Sessions.SignUp(ctx, email, password)
}

func (h AuthHandler) credentials(w http.ResponseWriter, r *http.Request, op string, status int, call func(context.Context, string, string) (auth.Session, error)) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	if !h.available(ctx, w) {
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid "+op+" payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		logger.Warn(op+" missing credentials", "email", req.Email)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "email and password are required"})
		return
	}

	session, err := call(ctx, req.Email, req.Password)
	if err != nil {
		respondAuthError(ctx, w, op, err)
		return
	}

	respondJSON(ctx, w, status, session)
}

// Logout handles POST /api/v1/auth/logout requests.
func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	if err := h.Sessions.SignOut(ctx); err != nil {
		respondAuthError(ctx, w, "logout", err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, h.Sessions.Current())
}

// RequestPasswordReset handles POST /api/v1/auth/password-reset requests.
func (h AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	if !h.available(ctx, w) {
		return
	}

	var req passwordResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid password reset payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		logger.Warn("password reset missing email")
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}

	if err := h.Sessions.ResetPassword(ctx, req.Email); err != nil {
		var ae *auth.AuthError
		// Unknown accounts get the same answer as known ones.
		if !errors.As(err, &ae) || ae.Reason != auth.ReasonUserNotFound {
			respondAuthError(ctx, w, "password reset", err)
			return
		}
		logger.Info("password reset for unknown account", "email", req.Email)
	}

	respondJSON(ctx, w, http.StatusAccepted, map[string]string{
		"status": "If an account exists for that email, password reset instructions have been sent.",
	})
}

// ConfirmPasswordReset handles POST /api/v1/auth/password-reset/confirm requests.
func (h AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Resets == nil {
		logger.Error("password reset confirmation unavailable")
		respondJSON(ctx, w, http.StatusNotImplemented, map[string]string{"error": "password reset confirmation is not supported"})
		return
	}

	var req confirmResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid password reset confirmation payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || req.Password == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "token and password are required"})
		return
	}

	if err := h.Resets.ConfirmPasswordReset(ctx, req.Token, req.Password); err != nil {
		respondAuthError(ctx, w, "password reset confirmation", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "password updated"})
}

func (h AuthHandler) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.Sessions != nil {
		return true
	}
	logging.FromContext(ctx).Error("session store unavailable")
	respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "authentication services unavailable"})
	return false
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type confirmResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// authStatus maps an AuthError reason to an HTTP status.
func authStatus(reason string) int {
	switch reason {
	case auth.ReasonInvalidCredentials:
		return http.StatusUnauthorized
	case auth.ReasonInvalidEmail, auth.ReasonWeakPassword, auth.ReasonInvalidToken:
		return http.StatusBadRequest
	case auth.ReasonEmailInUse, auth.ReasonBusy:
		return http.StatusConflict
	case auth.ReasonUserNotFound:
		return http.StatusNotFound
	case auth.ReasonUnavailable, auth.ReasonCredentialStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	var ae *auth.AuthError
	if !errors.As(err, &ae) {
		logging.FromContext(ctx).Error(op+" failed", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "authentication failed"})
		return
	}

	logging.FromContext(ctx).Warn(op+" rejected", "reason", ae.Reason, "error", err)
	respondJSON(ctx, w, authStatus(ae.Reason), map[string]string{"error": ae.Error(), "reason": ae.Reason})
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}
