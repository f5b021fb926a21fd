package services

import (
	"testing"
	"time"

	"ringmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	participantID := domain.NewParticipantID()

	token, err := svc.GenerateToken(participantID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)

	got, err := claims.Participant()
	require.NoError(t, err)
	assert.Equal(t, participantID, got)
}

func TestTokenService_RejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a", time.Hour)
	verifier := NewTokenService("secret-b", time.Hour)

	token, err := issuer.GenerateToken(domain.NewParticipantID())
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_RejectsExpired(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute)

	token, err := svc.GenerateToken(domain.NewParticipantID())
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenService_RejectsGarbage(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)

	_, err := svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
