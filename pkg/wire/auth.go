package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Handshake frames exchanged before any envelope when a shared secret is set
const (
	EventAuthChallenge = "auth.challenge"
	EventAuthSuccess   = "auth.success"
	EventAuthFailure   = "auth.failure"
	MethodAuthResponse = "auth.response"
)

// AuthChallenge is sent by the server right after the upgrade
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the client's HMAC over the challenge
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult ends the handshake
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// SignChallenge returns the hex HMAC-SHA256 of challenge keyed by secret
func SignChallenge(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}
