package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"arena-control-backend/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin      = "admin"
	RoleGameServer = "gameserver"
	RoleBackend    = "backend"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type JWTService struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	instanceTTL time.Duration
	now         func() time.Time
}

// NewJWTService signs with cfg.JWTSecret. Without a secret a random one is
// generated, which only suits development: tokens do not survive restarts.
func NewJWTService(cfg *config.Config) (*JWTService, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		if cfg.IsProduction() {
			return nil, errors.New("JWT_SECRET is required in production")
		}
		random := make([]byte, 32)
		if _, err := rand.Read(random); err != nil {
			return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(random))
	}

	ttl := cfg.JWTTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	instanceTTL := cfg.JWTInstanceTTL
	if instanceTTL <= 0 {
		instanceTTL = 30 * 24 * time.Hour
	}

	return &JWTService{
		secret:      secret,
		issuer:      cfg.JWTIssuer,
		ttl:         ttl,
		instanceTTL: instanceTTL,
		now:         time.Now,
	}, nil
}

func (s *JWTService) GenerateToken(subject, role string) (string, error) {
	return s.generate(subject, role, s.ttl)
}

func (s *JWTService) generate(subject, role string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return &claims, nil
}

// BackendToken issues the token the backend presents to game servers and
// realm when it opens a bridge session.
func (s *JWTService) BackendToken() (string, error) {
	return s.GenerateToken(s.issuer, RoleBackend)
}

// InstanceToken issues the token a spawned game server uses for the round
// RPC routes. It lives for the instance TTL; a running instance renews it
// through init.
func (s *JWTService) InstanceToken(gsid string) (string, error) {
	return s.generate(gsid, RoleGameServer, s.instanceTTL)
}
