// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"errors"
	"net/http"

	"github.com/samber/oops"
)

// statusForCode maps domain error codes to HTTP statuses. Codes absent from
// the map are treated as internal errors.
var statusForCode = map[string]int{
	"AUTH_INVALID_INPUT":         http.StatusBadRequest,
	"AUTH_EMPTY_PASSWORD":        http.StatusBadRequest,
	"ACCOUNT_INVALID_EMAIL":      http.StatusBadRequest,
	"ACCOUNT_INVALID_USERNAME":   http.StatusBadRequest,
	"TOKEN_INVALID_KIND":         http.StatusBadRequest,
	"PASSKEY_INVALID_RESPONSE":   http.StatusBadRequest,
	"PASSKEY_CHALLENGE_MISMATCH": http.StatusBadRequest,

	"AUTH_INVALID_CREDENTIALS": http.StatusUnauthorized,
	"SESSION_TOKEN_EMPTY":      http.StatusUnauthorized,
	"SESSION_INVALID":          http.StatusUnauthorized,
	"SESSION_EXPIRED":          http.StatusUnauthorized,
	"SESSION_REVOKED":          http.StatusUnauthorized,
	"TOKEN_INVALID":            http.StatusUnauthorized,

	"SESSION_UNTRUSTED": http.StatusForbidden,

	"ACCOUNT_NOT_FOUND":           http.StatusNotFound,
	"SESSION_NOT_FOUND":           http.StatusNotFound,
	"PASSKEY_UNKNOWN_CREDENTIAL":  http.StatusNotFound,
	"TWOFACTOR_CHALLENGE_INVALID": http.StatusNotFound,

	"ACCOUNT_CONFLICT":        http.StatusConflict,
	"PASSKEY_CONFLICT":        http.StatusConflict,
	"TOKEN_ALREADY_USED":      http.StatusConflict,
	"PASSKEY_CHALLENGE_USED":  http.StatusConflict,
	"SESSION_ALREADY_TRUSTED": http.StatusConflict,

	"TOKEN_EXPIRED":             http.StatusGone,
	"TWOFACTOR_EXPIRED":         http.StatusGone,
	"PASSKEY_CHALLENGE_EXPIRED": http.StatusGone,

	"TWOFACTOR_INVALID_CODE": http.StatusUnauthorized,
	"TWOFACTOR_NOT_ENABLED":  http.StatusBadRequest,
	"TWOFACTOR_EXHAUSTED":    http.StatusTooManyRequests,

	"AUTH_ACCOUNT_LOCKED": http.StatusLocked,
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode extracts the domain code from an error chain, or empty string.
func errorCode(err error) string {
	var oopsErr oops.OopsError
	if errors.As(err, &oopsErr) {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return ""
}

// writeError renders an error as the JSON envelope. Unmapped errors become
// opaque 500s; their details go to the log, not the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)
	status, known := statusForCode[code]
	if !known {
		s.logger.Error("unhandled error",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: errorDetail{Code: "INTERNAL", Message: "internal error"},
		})
		return
	}

	writeJSON(w, status, errorBody{
		Error: errorDetail{Code: code, Message: err.Error()},
	})
}
