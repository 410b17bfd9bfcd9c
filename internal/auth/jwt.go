package auth

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfeidau/planboard/internal/access"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the session token claims issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	OrgID        string `json:"org_id,omitempty"`
	PlatformRole string `json:"platform_role,omitempty"`
}

// Verifier validates identity provider session tokens signed with a single static key.
type Verifier struct {
	key    crypto.PublicKey
	parser *jwt.Parser
}

// NewVerifierFromPEM accepts an ECDSA (ES256) or RSA (RS256) public key. When issuer is
// not empty the iss claim must match it.
func NewVerifierFromPEM(publicKeyPEM, issuer string) (*Verifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	var (
		key    crypto.PublicKey
		method string
	)
	if ec, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM)); err == nil {
		key, method = ec, jwt.SigningMethodES256.Alg()
	} else if rsa, rsaErr := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM)); rsaErr == nil {
		key, method = rsa, jwt.SigningMethodRS256.Alg()
	} else {
		return nil, fmt.Errorf("failed to parse public key: %w", errors.Join(err, rsaErr))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &Verifier{key: key, parser: jwt.NewParser(opts...)}, nil
}

// Verify checks the token signature and expiry and returns the caller it identifies.
func (v *Verifier) Verify(tokenStr string) (*access.Caller, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return &access.Caller{
		UserID:       claims.Subject,
		OrgID:        claims.OrgID,
		PlatformRole: claims.PlatformRole,
	}, nil
}
