package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshClient(challenge string) *Client {
	return &Client{ID: "c1", Challenge: challenge, ChallengeIssued: time.Now()}
}

func TestGenerateChallenge_Unique(t *testing.T) {
	auth := NewAuthHandler("secret")

	a, err := auth.GenerateChallenge()
	require.NoError(t, err)
	b, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestVerifySignature(t *testing.T) {
	auth := NewAuthHandler("secret")
	other := NewAuthHandler("wrong")
	challenge := "deadbeef"

	assert.True(t, auth.VerifySignature(challenge, "alice", auth.Sign(challenge, "alice")))
	assert.False(t, auth.VerifySignature(challenge, "alice", other.Sign(challenge, "alice")))
	assert.False(t, auth.VerifySignature(challenge, "alice", "not-hex"))
}

func TestVerifySignature_BoundToUser(t *testing.T) {
	auth := NewAuthHandler("secret")
	challenge := "deadbeef"

	// A signature minted for alice must not authenticate bob.
	sig := auth.Sign(challenge, "alice")
	assert.False(t, auth.VerifySignature(challenge, "bob", sig))
}

func TestHandleAuthResponse_BindsUser(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := freshClient("abc123")

	result := auth.HandleAuthResponse(client, auth.Sign("abc123", "alice"), "alice")

	assert.True(t, result.Success)
	assert.True(t, client.Authenticated)
	assert.Equal(t, "alice", client.UserID)
	assert.Empty(t, client.Challenge)
}

func TestHandleAuthResponse_RejectsForeignUserID(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := freshClient("abc123")

	result := auth.HandleAuthResponse(client, auth.Sign("abc123", "alice"), "bob")

	assert.False(t, result.Success)
	assert.False(t, client.Authenticated)
	assert.Empty(t, client.UserID)
}

func TestHandleAuthResponse_RejectsMissingUser(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := freshClient("abc123")

	result := auth.HandleAuthResponse(client, auth.Sign("abc123", ""), "")

	assert.False(t, result.Success)
	assert.False(t, client.Authenticated)
}

func TestHandleAuthResponse_ExpiredChallenge(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := &Client{
		ID:              "c1",
		Challenge:       "abc123",
		ChallengeIssued: time.Now().Add(-3 * time.Minute),
	}

	result := auth.HandleAuthResponse(client, auth.Sign("abc123", "alice"), "alice")

	assert.False(t, result.Success)
	assert.Equal(t, "Challenge expired", result.Message)
	assert.Empty(t, client.Challenge)
}

func TestHandleAuthResponse_CountsFailedAttempts(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := freshClient("abc123")

	for i := 0; i < 2; i++ {
		result := auth.HandleAuthResponse(client, "bad-signature", "alice")
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid signature", result.Message)
	}

	result := auth.HandleAuthResponse(client, "bad-signature", "alice")
	assert.False(t, result.Success)
	assert.Equal(t, "Too many failed attempts", result.Message)
	assert.False(t, client.Authenticated)
}

func TestHandleAuthResponse_NoChallenge(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := &Client{ID: "c1"}

	result := auth.HandleAuthResponse(client, "anything", "alice")
	assert.False(t, result.Success)
}
