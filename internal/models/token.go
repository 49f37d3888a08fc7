package models

import "github.com/golang-jwt/jwt/v5"

// AuthClaims are the claims carried by access tokens issued by the hosted
// auth provider. The subject is the user id.
type AuthClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
