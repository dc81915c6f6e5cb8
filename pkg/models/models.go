package models

import "time"

type ChallengeRequest struct {
	Email string `json:"email"`
}

type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

type CompleteAuthRequest struct {
	Email        string `json:"email"`
	Challenge    string `json:"challenge"`
	SignatureB64 string `json:"signatureB64"`
}

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type AuthResponse struct {
	Tokens
	User User `json:"user"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignedDocument is what a client submits after signing a document payload.
type SignedDocument struct {
	Payload      string    `json:"payload"`
	SignatureB64 string    `json:"signatureB64"`
	PublicKeyB64 string    `json:"publicKeyB64"`
	Suite        string    `json:"suite"`
	SignedAt     time.Time `json:"signedAt"`
}

// RegisterKeyRequest enrolls a device public key with the dev backend.
type RegisterKeyRequest struct {
	Email        string `json:"email"`
	Username     string `json:"username,omitempty"`
	PublicKeyB64 string `json:"publicKeyB64"`
}
