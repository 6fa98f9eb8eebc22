// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, not_found) mirror common HTTP
//     status semantics.
//   - Domain-specific codes (e.g., bad_idempotency_key, idempotency_incomplete) are
//     reserved for conditions a client should branch on.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "bad_idempotency_key",
//	  "message": "idempotency_key: cannot be empty"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeBadIdempotencyKey     = "bad_idempotency_key"
	ErrCodeIdempotencyIncomplete = "idempotency_incomplete"
	ErrCodeMethodNotAllowed      = "method_not_allowed"
)
