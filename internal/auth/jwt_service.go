package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/deskwire/deskwire/internal/models"
)

// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
const DefaultAccessTokenTTL = 15 * time.Minute

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret         string
	Issuer         string
	AccessTokenTTL time.Duration
	Clock          func() time.Time
}

// Claims represents the custom claims embedded in bearer credentials minted
// by the external identity component. The core only validates them.
type Claims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid,omitempty"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified identity attached to a request or socket session.
type Principal struct {
	UserID   string
	TenantID string // empty for master
	Role     models.Role
	Email    string
	Name     string
}

// IsMaster reports whether the principal operates across tenants.
func (p Principal) IsMaster() bool { return p.Role == models.RoleMaster }

// JWTService validates (and, for development tooling, issues) bearer tokens.
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService constructs a JWTService instance when provided with the required configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// TokenInput holds the parameters used when generating a token (development
// and test tooling; production tokens come from the identity service).
type TokenInput struct {
	UserID   string
	TenantID string
	Role     models.Role
	Email    string
	Name     string
}

// GenerateToken issues a signed JWT containing the supplied claims.
func (s *JWTService) GenerateToken(input TokenInput) (string, error) {
	if input.UserID == "" {
		return "", errors.New("jwt: user id is required")
	}
	if input.Role == "" {
		return "", errors.New("jwt: role is required")
	}

	now := s.now()
	claims := &Claims{
		UserID:   input.UserID,
		TenantID: input.TenantID,
		Role:     string(input.Role),
		Email:    input.Email,
		Name:     input.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.UserID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

// ValidatePrincipal parses and validates a bearer token, returning the
// verified principal. Non-master tokens must name a tenant.
func (s *JWTService) ValidatePrincipal(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, errors.New("jwt: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("jwt: parse token: %w", err)
	}

	role := models.Role(claims.Role)
	switch role {
	case models.RoleMaster, models.RoleAdmin, models.RoleAgent, models.RoleClient:
	default:
		return Principal{}, fmt.Errorf("jwt: unknown role %q", claims.Role)
	}

	if role != models.RoleMaster && strings.TrimSpace(claims.TenantID) == "" {
		return Principal{}, errors.New("jwt: tenant claim is required for non-master principals")
	}

	return Principal{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		Role:     role,
		Email:    claims.Email,
		Name:     claims.Name,
	}, nil
}
