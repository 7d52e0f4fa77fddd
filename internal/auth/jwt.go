package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/avenir-labs/gantry/internal/observability"
)

// Token type claim values. A refresh token never authenticates a request
// and an access token is never exchanged for a new pair.
const (
	claimTokenType   = "typ"
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	claimRoles       = "roles"
	claimPermissions = "permissions"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// JWTConfig holds configuration for the JWT provider.
type JWTConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 bytes.
	Secret []byte

	// Issuer is stamped on issued tokens and required on verified ones.
	Issuer string

	// Audience is stamped on issued tokens and required on verified
	// ones when set.
	Audience string

	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration

	// ClockSkew is tolerated when validating time claims.
	ClockSkew time.Duration
}

// jwtProvider implements Provider with HS256-signed JWTs.
type jwtProvider struct {
	cfg    JWTConfig
	logger observability.Logger
}

// JWTOption is a functional option for the JWT provider.
type JWTOption func(*jwtProvider)

// WithJWTLogger sets the logger.
func WithJWTLogger(logger observability.Logger) JWTOption {
	return func(p *jwtProvider) {
		p.logger = logger
	}
}

// NewJWTProvider creates a JWT authentication provider.
func NewJWTProvider(cfg JWTConfig, opts ...JWTOption) (Provider, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	p := &jwtProvider{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// VerifyToken validates an access token and returns its user.
func (p *jwtProvider) VerifyToken(ctx context.Context, token string) (*User, error) {
	tok, err := p.parse(ctx, token)
	if err != nil {
		return nil, err
	}

	if tokenType(tok) != tokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	user := userFromToken(tok)
	if user.ID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return user, nil
}

// GenerateToken issues an access and refresh token pair for the user.
func (p *jwtProvider) GenerateToken(_ context.Context, user *User) (*TokenPair, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("user with an ID is required")
	}

	now := time.Now()
	expiresAt := now.Add(p.cfg.AccessTTL)

	access, err := p.sign(user, tokenTypeAccess, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := p.sign(user, tokenTypeRefresh, now, now.Add(p.cfg.RefreshTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		Token:        access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// RefreshToken exchanges a refresh token for a new pair.
func (p *jwtProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tok, err := p.parse(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	if tokenType(tok) != tokenTypeRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}

	user := userFromToken(tok)
	if user.ID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p.logger.Debug("token refreshed", observability.String("userID", user.ID))

	return p.GenerateToken(ctx, user)
}

// sign builds and signs one token.
func (p *jwtProvider) sign(user *User, typ string, issuedAt, expiresAt time.Time) (string, error) {
	builder := jwt.NewBuilder().
		Subject(user.ID).
		IssuedAt(issuedAt).
		Expiration(expiresAt).
		Claim(claimTokenType, typ)

	if p.cfg.Issuer != "" {
		builder = builder.Issuer(p.cfg.Issuer)
	}
	if p.cfg.Audience != "" {
		builder = builder.Audience([]string{p.cfg.Audience})
	}
	if len(user.Roles) > 0 {
		builder = builder.Claim(claimRoles, user.Roles)
	}
	if len(user.Permissions) > 0 {
		builder = builder.Claim(claimPermissions, user.Permissions)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, p.cfg.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// parse verifies the signature and standard claims, mapping validation
// failures onto the package sentinels.
func (p *jwtProvider) parse(ctx context.Context, token string) (jwt.Token, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithKey(jwa.HS256, p.cfg.Secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(p.cfg.ClockSkew),
	}
	if p.cfg.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(p.cfg.Audience))
	}

	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return tok, nil
}

// tokenType returns the token's type claim, or empty.
func tokenType(tok jwt.Token) string {
	raw, ok := tok.Get(claimTokenType)
	if !ok {
		return ""
	}
	typ, _ := raw.(string)
	return typ
}

// userFromToken rebuilds the User from token claims.
func userFromToken(tok jwt.Token) *User {
	return &User{
		ID:          tok.Subject(),
		Roles:       stringsClaim(tok, claimRoles),
		Permissions: stringsClaim(tok, claimPermissions),
	}
}

// stringsClaim extracts a string slice claim, tolerating the []any shape
// JSON decoding produces.
func stringsClaim(tok jwt.Token, name string) []string {
	raw, ok := tok.Get(name)
	if !ok {
		return nil
	}

	switch values := raw.(type) {
	case []string:
		return values
	case []any:
		out := make([]string, 0, len(values))
		for _, v := range values {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
