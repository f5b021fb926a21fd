package services

import (
	"errors"
	"time"

	"ringmesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// TokenService issues and checks the bearer tokens participants present to
// the HTTP API and the relay.
type TokenService interface {
	GenerateToken(participantID domain.ParticipantID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	ParticipantID string `json:"participant_id"`
	jwt.RegisteredClaims
}

// Participant returns the parsed id the token was issued to.
func (c *Claims) Participant() (domain.ParticipantID, error) {
	return domain.ParseParticipantID(c.ParticipantID)
}

type tokenService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewTokenService(jwtSecret string, tokenTTL time.Duration) TokenService {
	return &tokenService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

func (s *tokenService) GenerateToken(participantID domain.ParticipantID) (string, error) {
	claims := &Claims{
		ParticipantID: participantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *tokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
