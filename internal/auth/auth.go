// Package auth provides services for authentication: password hashing for
// player and moderator accounts, and JWT session tokens handed out when a
// session is admitted.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// accessTokenDuration defines the validity period for an account access token.
	accessTokenDuration = 24 * time.Hour
	// bcryptCost is the cost factor for hashing passwords. A higher value is more secure
	// but also slower. 14 is a strong and recommended value.
	bcryptCost = 14
)

// AuthService provides methods for handling JWT-based authentication.
type AuthService struct {
	jwtSecret []byte
}

// SessionClaims are the parsed contents of a session token.
type SessionClaims struct {
	Subject     string // player id
	SessionID   string
	CharacterID string
	InstanceID  string
}

// NewAuthService creates and returns a new AuthService instance.
// It requires a non-empty JWT secret key.
func NewAuthService(secret string) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &AuthService{jwtSecret: []byte(secret)}, nil
}

// HashPassword generates a bcrypt hash from a given password string.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plaintext password with a bcrypt hash.
// It returns true if the password matches the hash, and false otherwise.
// It safely handles cases where the hash pointer is nil.
func CheckPasswordHash(password string, hash *string) bool {
	if hash == nil {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password))
	return err == nil
}

// CreateAccessToken generates a new JWT access token for an account login.
func (s *AuthService) CreateAccessToken(playerID, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  playerID,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(accessTokenDuration).Unix(),
		"role": role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// CreateSessionToken generates the token a client presents on the session
// channel after a successful admission. Its lifetime matches the session
// timeout ceiling.
func (s *AuthService) CreateSessionToken(playerID, characterID, sessionID, instanceID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": playerID,
		"sid": sessionID,
		"cid": characterID,
		"iid": instanceID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT parses and validates a JWT token string.
// If the token is valid, it returns the subject (player id) stored within it.
func (s *AuthService) ValidateJWT(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub, nil
	}
	return "", errors.New("invalid token")
}

// ValidateSessionToken parses a session token and returns its claims.
func (s *AuthService) ValidateSessionToken(tokenString string) (*SessionClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	sc := &SessionClaims{}
	var ok bool
	if sc.Subject, ok = claims["sub"].(string); !ok {
		return nil, errors.New("invalid token: missing subject")
	}
	if sc.SessionID, ok = claims["sid"].(string); !ok {
		return nil, errors.New("invalid token: missing session id")
	}
	sc.CharacterID, _ = claims["cid"].(string)
	sc.InstanceID, _ = claims["iid"].(string)
	return sc, nil
}

// parse validates the signature and expiry and returns the raw claims.
func (s *AuthService) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Ensure that the signing method is HMAC, as we expect.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
