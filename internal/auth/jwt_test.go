package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/planboard/internal/access"
)

const testIssuer = "https://clerk.example.com"

func generatePublicKeyPEM(t *testing.T, publicKey crypto.PublicKey) string {
	t.Helper()
	publicKeyDER, err := x509.MarshalPKIXPublicKey(publicKey)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER}))
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, method jwt.SigningMethod, key crypto.PrivateKey, claims *Claims) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tokenStr
}

func validClaims() *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_2abc",
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		OrgID: "org_2xyz",
	}
}

func TestNewVerifierFromPEM(t *testing.T) {
	t.Run("empty public key", func(t *testing.T) {
		v, err := NewVerifierFromPEM("", testIssuer)
		require.EqualError(t, err, "JWT public key not provided")
		require.Nil(t, v)
	})

	t.Run("invalid PEM", func(t *testing.T) {
		v, err := NewVerifierFromPEM("invalid pem", testIssuer)
		require.Error(t, err)
		require.Nil(t, v)
	})

	t.Run("ecdsa key", func(t *testing.T) {
		v, err := NewVerifierFromPEM(generatePublicKeyPEM(t, &newECKey(t).PublicKey), testIssuer)
		require.NoError(t, err)
		require.NotNil(t, v)
	})
}

func TestVerify(t *testing.T) {
	ecKey := newECKey(t)
	v, err := NewVerifierFromPEM(generatePublicKeyPEM(t, &ecKey.PublicKey), testIssuer)
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		claims := validClaims()
		claims.PlatformRole = access.PlatformRoleOperator

		caller, err := v.Verify(sign(t, jwt.SigningMethodES256, ecKey, claims))
		require.NoError(t, err)
		require.Equal(t, &access.Caller{UserID: "user_2abc", OrgID: "org_2xyz", PlatformRole: "operator"}, caller)
		require.True(t, caller.IsOperator())
	})

	t.Run("no active organization", func(t *testing.T) {
		claims := validClaims()
		claims.OrgID = ""

		caller, err := v.Verify(sign(t, jwt.SigningMethodES256, ecKey, claims))
		require.NoError(t, err)
		require.Empty(t, caller.OrgID)
	})

	tests := []struct {
		name   string
		token  func(t *testing.T) string
		target error
	}{
		{
			name:   "empty token",
			token:  func(t *testing.T) string { return "" },
			target: ErrMissingToken,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				return sign(t, jwt.SigningMethodES256, ecKey, claims)
			},
			target: jwt.ErrTokenExpired,
		},
		{
			name: "missing expiry",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims.ExpiresAt = nil
				return sign(t, jwt.SigningMethodES256, ecKey, claims)
			},
			target: jwt.ErrTokenRequiredClaimMissing,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims.Issuer = "https://evil.example.com"
				return sign(t, jwt.SigningMethodES256, ecKey, claims)
			},
			target: jwt.ErrTokenInvalidIssuer,
		},
		{
			name: "signed by another key",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodES256, newECKey(t), validClaims())
			},
			target: jwt.ErrTokenSignatureInvalid,
		},
		{
			name: "hmac algorithm",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte("shared-secret"), validClaims())
			},
			target: jwt.ErrTokenSignatureInvalid,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) string {
				claims := validClaims()
				claims.Subject = ""
				return sign(t, jwt.SigningMethodES256, ecKey, claims)
			},
			target: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, err := v.Verify(tt.token(t))
			require.ErrorIs(t, err, tt.target)
			require.Nil(t, caller)
		})
	}
}

func TestVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v, err := NewVerifierFromPEM(generatePublicKeyPEM(t, &key.PublicKey), "")
	require.NoError(t, err)

	caller, err := v.Verify(sign(t, jwt.SigningMethodRS256, key, validClaims()))
	require.NoError(t, err)
	require.Equal(t, "user_2abc", caller.UserID)

	_, err = v.Verify(sign(t, jwt.SigningMethodES256, newECKey(t), validClaims()))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	ecKey := newECKey(t)
	v, err := NewVerifierFromPEM(generatePublicKeyPEM(t, &ecKey.PublicKey), testIssuer)
	require.NoError(t, err)

	var seen *access.Caller
	handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/jobs", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodES256, ecKey, validClaims()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		require.Equal(t, "user_2abc", seen.UserID)
		require.Equal(t, "org_2xyz", seen.OrgID)
	})
}

func TestRequireOperator(t *testing.T) {
	handler := RequireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		caller *access.Caller
		want   int
	}{
		{"no caller", nil, http.StatusUnauthorized},
		{"regular user", &access.Caller{UserID: "u1", OrgID: "org_1"}, http.StatusForbidden},
		{"operator", &access.Caller{UserID: "u1", PlatformRole: access.PlatformRoleOperator}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/jobs", nil)
			if tt.caller != nil {
				req = req.WithContext(WithCaller(req.Context(), tt.caller))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}
