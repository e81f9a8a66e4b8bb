package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/agentland/a2a-gateway/internal/core"
)

// MinJWTSecretBytes is the shortest HS256 secret the issuer accepts.
const MinJWTSecretBytes = 32

var ErrJWTNotConfigured = errors.New("JWT authentication is not configured")

// JWTConfig holds the HS256 signing parameters.
type JWTConfig struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ExpiresIn time.Duration // default 24h
}

// agentClaims are the non-registered claims carried by an agent token.
type agentClaims struct {
	AccessLevel core.AccessLevel `json:"accessLevel"`
	Roles       []string         `json:"roles"`
}

// jwtAuthenticator issues and verifies agent tokens.
type jwtAuthenticator struct {
	cfg    JWTConfig
	signer jose.Signer
	now    func() time.Time
}

func newJWTAuthenticator(cfg JWTConfig) (*jwtAuthenticator, error) {
	if len(cfg.Secret) < MinJWTSecretBytes {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinJWTSecretBytes)
	}
	if cfg.ExpiresIn == 0 {
		cfg.ExpiresIn = 24 * time.Hour
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: cfg.Secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create jwt signer: %w", err)
	}
	return &jwtAuthenticator{cfg: cfg, signer: signer, now: time.Now}, nil
}

func (j *jwtAuthenticator) Type() core.CredentialType { return core.CredentialJWT }

func (j *jwtAuthenticator) issue(agentID string, level core.AccessLevel, roles []string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = j.cfg.ExpiresIn
	}
	if roles == nil {
		roles = []string{}
	}
	now := j.now()
	std := jwt.Claims{
		Issuer:   j.cfg.Issuer,
		Subject:  agentID,
		Audience: jwt.Audience{j.cfg.Audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token, err := jwt.Signed(j.signer).Claims(std).Claims(agentClaims{AccessLevel: level, Roles: roles}).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return token, nil
}

func (j *jwtAuthenticator) Authenticate(_ context.Context, msg *core.Message) Result {
	tok, err := jwt.ParseSigned(msg.Credentials.Value, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return failure(ReasonBadSignature, "JWT token validation failed: "+err.Error())
	}

	var std jwt.Claims
	var priv agentClaims
	if err := tok.Claims(j.cfg.Secret, &std, &priv); err != nil {
		return failure(ReasonBadSignature, "JWT token validation failed: "+err.Error())
	}

	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      j.cfg.Issuer,
		AnyAudience: jwt.Audience{j.cfg.Audience},
		Time:        j.now(),
	}, 0)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return failure(ReasonExpired, "JWT token validation failed: "+err.Error())
	case err != nil:
		return failure(ReasonInvalidClaims, "JWT token validation failed: "+err.Error())
	}
	if std.Subject == "" {
		return failure(ReasonInvalidClaims, "JWT token validation failed: missing subject")
	}
	if priv.AccessLevel == 0 {
		priv.AccessLevel = core.AccessPublic
	}

	return success(Identity{AgentID: std.Subject, AccessLevel: priv.AccessLevel, Roles: priv.Roles})
}
