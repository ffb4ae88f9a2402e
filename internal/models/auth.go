package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims carries the authenticated actor identity. Token issuance and
// validation policy live in the upstream auth service; this API only reads
// the actor id for audit attribution.
type JWTClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}
