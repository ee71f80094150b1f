package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cardtrader/cardtrader-api/internal/types"
)

var (
	ErrTokenGeneration = errors.New("failed to generate token")
	ErrInvalidToken    = errors.New("invalid token")
)

// principalKey is the gin context key the auth middleware stores the caller under
const principalKey = "principal"

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Service issues and verifies access tokens
type Service struct {
	jwtSecret []byte
	expiry    time.Duration
}

// NewService creates a new authentication service with the given JWT secret
// and token lifetime
func NewService(jwtSecret string, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		expiry:    expiry,
	}
}

// GenerateToken generates a JWT token carrying the user id and role
func (s *Service) GenerateToken(userID, role string) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.expiry)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: userID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || !types.ValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// VerifyToken resolves a bearer token into the calling principal
func (s *Service) VerifyToken(tokenString string) (types.Principal, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return types.Principal{}, err
	}
	return types.Principal{UserID: claims.UserID, Role: claims.Role}, nil
}

// SetPrincipal stores the authenticated caller on the request context
func SetPrincipal(c *gin.Context, p types.Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal returns the authenticated caller, or an anonymous principal
// when the request carried no valid token
func GetPrincipal(c *gin.Context) types.Principal {
	if v, exists := c.Get(principalKey); exists {
		if p, ok := v.(types.Principal); ok {
			return p
		}
	}
	return types.Principal{}
}
