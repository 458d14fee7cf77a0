package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	challengeBytes  = 32
	challengeTTL    = 2 * time.Minute
	maxAuthAttempts = 3
)

// AuthHandler runs the HMAC challenge handshake that binds a websocket
// connection to a user. The client signs the challenge together with the
// user ID it claims, so a captured signature cannot be replayed as a
// different user.
type AuthHandler struct {
	secret []byte
}

// NewAuthHandler creates a handler over the daemon's shared secret.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret)}
}

// GenerateChallenge returns a random hex-encoded challenge.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, challengeBytes)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the expected signature for a challenge and user ID pair.
func (a *AuthHandler) Sign(challenge, userID string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(challenge))
	mac.Write([]byte("\n"))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time.
func (a *AuthHandler) VerifySignature(challenge, userID, signature string) bool {
	expected := a.Sign(challenge, userID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse processes a client's answer to its challenge. On
// success the client is bound to the user ID it signed for.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature, userID string) AuthResult {
	if client.Challenge == "" {
		return authFailure("No challenge found")
	}
	if time.Since(client.ChallengeIssued) > challengeTTL {
		client.Challenge = ""
		return authFailure("Challenge expired")
	}
	if userID == "" {
		return authFailure("Missing user id")
	}

	if !a.VerifySignature(client.Challenge, userID, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return authFailure("Too many failed attempts")
		}
		return authFailure("Invalid signature")
	}

	client.Authenticated = true
	client.UserID = userID
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: "auth.success", Success: true}
}

func authFailure(message string) AuthResult {
	return AuthResult{Event: "auth.failure", Success: false, Message: message}
}
