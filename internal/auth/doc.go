// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package auth implements the credential and session-lifecycle core.
//
// # Domain Types
//
// Domain types (Account, Session, Token, TwoFactorChallenge,
// PasskeyChallenge) should be created through their constructors:
//   - NewAccount - creates an Account with validated email and username
//   - NewSession - creates a Session bound to an account with an expiry
//   - NewToken - creates a single-use Token of a given kind
//
// Direct struct initialization bypasses validation and may create invalid
// state. Repository implementations receive pre-validated types from these
// constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - CredentialStore - account creation, password verification, 2FA and
//     passkey credential storage
//   - SessionManager - session creation with cap eviction, validation,
//     trust promotion, revocation
//   - TokenService - issue and atomically redeem single-use tokens
//   - TwoFactorService - TOTP enrollment and pending-session challenges
//   - PasskeyService - WebAuthn registration and authentication ceremonies
//   - Facade - the single entry point the transport layer calls
//
// Services are created with New* constructors that validate dependencies.
package auth
