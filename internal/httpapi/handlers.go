// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// sessionJSON is the wire form of a session.
type sessionJSON struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Trusted    bool      `json:"trusted"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current,omitempty"`
}

func toSessionJSON(session *auth.Session, currentID ulid.ULID) sessionJSON {
	return sessionJSON{
		ID:         session.ID.String(),
		UserAgent:  session.UserAgent,
		IPAddress:  session.IPAddress,
		Trusted:    session.Trusted,
		CreatedAt:  session.CreatedAt,
		LastSeenAt: session.LastSeenAt,
		ExpiresAt:  session.ExpiresAt,
		Current:    session.ID.Compare(currentID) == 0,
	}
}

// recordSignIn counts a sign-in attempt outcome.
func (s *Server) recordSignIn(method, outcome string) {
	if s.metrics != nil {
		s.metrics.SignInsTotal.WithLabelValues(method, outcome).Inc()
	}
}

// recordRedemption counts a one-time token redemption.
func (s *Server) recordRedemption(kind auth.TokenKind, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	s.metrics.TokenRedemptionsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// signInOutcome maps a sign-in error to a metric label.
func signInOutcome(err error) string {
	switch errorCode(err) {
	case "AUTH_INVALID_CREDENTIALS":
		return "invalid"
	case "AUTH_ACCOUNT_LOCKED":
		return "locked"
	default:
		return "error"
	}
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.facade.SignUp(r.Context(), auth.SignUpInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id":            result.AccountID.String(),
		"verification_required": result.VerificationRequired,
	})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.facade.VerifyEmail(r.Context(), req.Token)
	s.recordRedemption(auth.TokenVerifyEmail, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.facade.SignIn(r.Context(), auth.SignInInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	}, sessionMeta(r))
	if err != nil {
		s.recordSignIn("password", signInOutcome(err))
		s.writeError(w, r, err)
		return
	}

	switch result.Status {
	case auth.SignInEmailUnverified:
		s.recordSignIn("password", "unverified")
		writeJSON(w, http.StatusOK, map[string]any{"status": result.Status})

	case auth.SignInSecondFactorRequired:
		s.recordSignIn("password", "second_factor")
		s.setSessionCookie(w, result.SessionToken, result.Session.ExpiresAt)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       result.Status,
			"challenge_id": result.ChallengeID.String(),
		})

	default:
		s.recordSignIn("password", "ok")
		s.setSessionCookie(w, result.SessionToken, result.Session.ExpiresAt)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  result.Status,
			"session": toSessionJSON(result.Session, result.Session.ID),
		})
	}
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.SignOut(r.Context(), sessionToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignInExternal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, token, err := s.facade.SignInExternal(r.Context(), req.Email, sessionMeta(r))
	if err != nil {
		s.recordSignIn("external", signInOutcome(err))
		s.writeError(w, r, err)
		return
	}

	s.recordSignIn("external", "ok")
	s.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  auth.SignInOK,
		"session": toSessionJSON(session, session.ID),
	})
}

func (s *Server) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	challengeID, err := parseULID(req.ChallengeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.facade.VerifyTwoFactor(r.Context(), challengeID, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTwoFactorEnroll(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.facade.StartTwoFactorEnrollment(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret": enrollment.Secret,
		"url":    enrollment.URL,
	})
}

func (s *Server) handleTwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.facade.ConfirmTwoFactorEnrollment(r.Context(), sessionToken(r), req.Secret, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.facade.DisableTwoFactor(r.Context(), sessionToken(r), req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.facade.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Accepted regardless of whether the address is known.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePasswordResetComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.facade.CompletePasswordReset(r.Context(), req.Token, req.NewPassword)
	s.recordRedemption(auth.TokenResetPassword, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.RequestAccountDeletion(r.Context(), sessionToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.facade.ConfirmAccountDeletion(r.Context(), req.Token)
	s.recordRedemption(auth.TokenDeleteAccount, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	creation, challengeID, err := s.facade.BeginPasskeyRegistration(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challengeID.String(),
		"options":      creation,
	})
}

func (s *Server) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	challengeID, err := parseULID(r.URL.Query().Get("challenge_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.facade.FinishPasskeyRegistration(r.Context(), sessionToken(r), challengeID, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasskeySignInBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	assertion, challengeID, err := s.facade.BeginPasskeyAuthentication(r.Context(), req.Identifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challengeID.String(),
		"options":      assertion,
	})
}

func (s *Server) handlePasskeySignInFinish(w http.ResponseWriter, r *http.Request) {
	challengeID, err := parseULID(r.URL.Query().Get("challenge_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session, token, err := s.facade.FinishPasskeyAuthentication(r.Context(), challengeID, r.Body, sessionMeta(r))
	if err != nil {
		s.recordSignIn("passkey", signInOutcome(err))
		s.writeError(w, r, err)
		return
	}

	s.recordSignIn("passkey", "ok")
	s.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  auth.SignInOK,
		"session": toSessionJSON(session, session.ID),
	})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.facade.CurrentSession(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(session, session.ID))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	current, err := s.facade.CurrentSession(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.facade.ListSessions(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]sessionJSON, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionJSON(session, current.ID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseULID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.facade.RevokeSession(r.Context(), sessionToken(r), sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.RevokeOtherSessions(r.Context(), sessionToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseULID parses an identifier from the wire.
func parseULID(value string) (ulid.ULID, error) {
	id, err := ulid.Parse(value)
	if err != nil {
		return ulid.ULID{}, oops.Code("AUTH_INVALID_INPUT").
			With("value", value).
			Wrap(err)
	}
	return id, nil
}
