package devserver

import (
	"crypto/subtle"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/dosolink/pkg/wire"
)

const (
	maxAuthAttempts = 3
	challengeLength = 64
	hexAlphabet     = "0123456789abcdef"
)

// newChallenge returns a random hex nonce for a pending handshake
func newChallenge() (string, error) {
	return gonanoid.Generate(hexAlphabet, challengeLength)
}

// validSignature reports whether signature is the keyed digest of challenge
func validSignature(secret, challenge, signature string) bool {
	expected := wire.SignChallenge(secret, challenge)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge

	return client.WriteJSON(wire.AuthChallenge{
		Event:     wire.EventAuthChallenge,
		Challenge: challenge,
	})
}

// verifyHandshake checks one auth response. A challenge is single use on
// success; failures count against the client in the registry.
func (s *Server) verifyHandshake(client *Client, signature string) (wire.AuthResult, bool) {
	if client.Challenge == "" {
		return wire.AuthResult{Event: wire.EventAuthFailure, Message: "No challenge issued"}, false
	}

	if !validSignature(s.sharedSecret, client.Challenge, signature) {
		attempts := s.clients.RecordAuthFailure(client.ID)
		if attempts >= maxAuthAttempts {
			return wire.AuthResult{Event: wire.EventAuthFailure, Message: "Too many failed attempts"}, true
		}
		return wire.AuthResult{Event: wire.EventAuthFailure, Message: "Invalid signature"}, false
	}

	client.Challenge = ""
	s.clients.MarkAuthenticated(client.ID)
	return wire.AuthResult{Event: wire.EventAuthSuccess, Success: true}, false
}

func (s *Server) handleAuthMessage(client *Client, authResp wire.AuthResponse) {
	result, exhausted := s.verifyHandshake(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if exhausted {
			client.Close()
		}
		return
	}
	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}
