package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	gwerrors "github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/golang-jwt/jwt/v5"
)

// Token audiences
const (
	AudienceStation  = "ev-station"
	AudienceOperator = "ev-operator"
)

// SanitizeJWTError returns a client-safe error message.
// Token-related issues (expired, invalid signature) are returned.
// System config issues (issuer, audience, claims structure) are hidden.
func SanitizeJWTError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return "Token expired"
	}
	if errors.Is(err, jwt.ErrTokenNotValidYet) {
		return "Token not valid yet"
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return "Token malformed"
	}
	if errors.Is(err, jwt.ErrSignatureInvalid) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return "Invalid signature"
	}
	if strings.Contains(err.Error(), "unexpected signing method") {
		return "Unsupported signing method"
	}

	return "Unauthorized"
}

// StationClaims are carried by station credentials. The subject is the
// station ID and must match the ID in the connection URL.
type StationClaims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// OperatorClaims are carried by operator API credentials. Tenants holds
// wildcard patterns of tenants the operator may act on.
type OperatorClaims struct {
	Tenants []string `json:"tenants"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	publicKeys []*rsa.PublicKey
	issuer     string
}

// NewJWTValidator creates a new JWT validator with one or more public keys.
// Multiple keys support key rotation - tokens signed with any key are valid.
func NewJWTValidator(publicKeys []*rsa.PublicKey, issuer string) *JWTValidator {
	return &JWTValidator{
		publicKeys: publicKeys,
		issuer:     issuer,
	}
}

// parse tries each public key in turn and checks issuer, audience and subject.
func (v *JWTValidator) parse(tokenString string, audience string, newClaims func() jwt.Claims) (jwt.Claims, time.Time, error) {
	var lastErr error = errors.New("no public keys configured")

	for _, publicKey := range v.publicKeys {
		claims := newClaims()
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return publicKey, nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		if !token.Valid {
			lastErr = fmt.Errorf("invalid token claims")
			continue
		}

		issuer, err := claims.GetIssuer()
		if err != nil || issuer != v.issuer {
			return nil, time.Time{}, fmt.Errorf("invalid issuer: expected %s, got %s", v.issuer, issuer)
		}

		aud, err := claims.GetAudience()
		if err != nil || len(aud) != 1 || aud[0] != audience {
			return nil, time.Time{}, fmt.Errorf("invalid audience: expected %s", audience)
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			return nil, time.Time{}, fmt.Errorf("missing sub claim")
		}

		expiresAt, err := claims.GetExpirationTime()
		if err != nil || expiresAt == nil {
			return nil, time.Time{}, fmt.Errorf("missing or invalid exp claim")
		}

		return claims, expiresAt.Time, nil
	}

	return nil, time.Time{}, fmt.Errorf("invalid token: %w", lastErr)
}

// ValidateStationJWT validates a station credential (aud: ev-station).
// Returns (stationID, tenantID, expiresAt, error)
func (v *JWTValidator) ValidateStationJWT(tokenString string) (string, string, time.Time, error) {
	claims, expiresAt, err := v.parse(tokenString, AudienceStation, func() jwt.Claims { return &StationClaims{} })
	if err != nil {
		return "", "", time.Time{}, err
	}

	sc := claims.(*StationClaims)
	if sc.Tenant == "" {
		return "", "", time.Time{}, fmt.Errorf("missing tenant claim")
	}
	return sc.Subject, sc.Tenant, expiresAt, nil
}

// ValidateOperatorJWT validates an operator API credential (aud: ev-operator).
// Returns (operatorID, tenantPatterns, expiresAt, error)
func (v *JWTValidator) ValidateOperatorJWT(tokenString string) (string, []string, time.Time, error) {
	claims, expiresAt, err := v.parse(tokenString, AudienceOperator, func() jwt.Claims { return &OperatorClaims{} })
	if err != nil {
		return "", nil, time.Time{}, err
	}

	oc := claims.(*OperatorClaims)
	if len(oc.Tenants) == 0 {
		return "", nil, time.Time{}, fmt.Errorf("missing tenants claim")
	}
	return oc.Subject, oc.Tenants, expiresAt, nil
}

// JWTResolver admits stations presenting a valid station JWT.
type JWTResolver struct {
	validator *JWTValidator
}

func NewJWTResolver(validator *JWTValidator) *JWTResolver {
	return &JWTResolver{validator: validator}
}

// ResolveIdentity validates the token and checks that its subject is the
// station ID from the URL.
func (r *JWTResolver) ResolveIdentity(ctx context.Context, token, stationID string) (stationmgr.Credential, error) {
	subject, tenant, expiresAt, err := r.validator.ValidateStationJWT(token)
	if err != nil {
		return stationmgr.Credential{}, fmt.Errorf("%w: %s", gwerrors.ErrDenied, SanitizeJWTError(err))
	}
	if subject != stationID {
		return stationmgr.Credential{}, fmt.Errorf("%w: token subject does not match station %s", gwerrors.ErrDenied, stationID)
	}
	return stationmgr.Credential{TenantID: tenant, StationID: stationID, ExpiresAt: expiresAt}, nil
}
