// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package errutil_test

import (
	"testing"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func TestAssertErrorCode(t *testing.T) {
	err := oops.Code("SESSION_EXPIRED").Errorf("session expired")
	errutil.AssertErrorCode(t, err, "SESSION_EXPIRED")
}

func TestAssertErrorCode_Wrapped(t *testing.T) {
	inner := oops.Code("TOKEN_INVALID").Errorf("no such token")
	wrapped := oops.Wrap(inner)
	errutil.AssertErrorCode(t, wrapped, "TOKEN_INVALID")
}

func TestAssertErrorContext(t *testing.T) {
	err := oops.Code("ACCOUNT_CONFLICT").
		With("email", "taken@example.com").
		Errorf("email already registered")

	errutil.AssertErrorContext(t, err, "email", "taken@example.com")
}
