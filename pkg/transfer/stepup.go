package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// StepUpScope is the scope claim a transfer step-up token must carry.
	StepUpScope          = "transfer"
	minStepUpTokenLength = 32
	stepUpTokenSegments  = 3
	defaultStepUpTTL     = 5 * time.Minute
)

// StepUpClaims is the payload of a step-up token.
type StepUpClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 step-up tokens bound to the sender.
type JWTVerifier struct {
	signingKey []byte
	issuer     string
	clock      func() time.Time
}

// NewJWTVerifier builds a verifier for tokens signed with signingKey by issuer.
func NewJWTVerifier(signingKey []byte, issuer string, clock func() time.Time) (*JWTVerifier, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: step-up signing key is empty", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: step-up issuer is empty", ErrInvalidServiceConfig)
	}
	if clock == nil {
		clock = time.Now
	}
	return &JWTVerifier{signingKey: signingKey, issuer: issuer, clock: clock}, nil
}

// Verify rejects malformed tokens before checking the signature, expiry, issuer, subject and scope.
func (verifier *JWTVerifier) Verify(_ context.Context, sender ledger.DeveloperID, token string) error {
	token = strings.TrimSpace(token)
	if len(token) < minStepUpTokenLength || len(strings.Split(token, ".")) != stepUpTokenSegments {
		return fmt.Errorf("%w: malformed token", ErrStepUpInvalid)
	}
	claims := &StepUpClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(parsedToken *jwt.Token) (interface{}, error) {
		return verifier.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(verifier.issuer),
		jwt.WithSubject(sender.String()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(verifier.clock),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStepUpInvalid, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: token rejected", ErrStepUpInvalid)
	}
	if claims.Scope != StepUpScope {
		return fmt.Errorf("%w: scope %q", ErrStepUpInvalid, claims.Scope)
	}
	return nil
}

// Issue signs a step-up token for sender. A zero ttl uses five minutes.
func (verifier *JWTVerifier) Issue(sender ledger.DeveloperID, ttl time.Duration) (string, error) {
	if sender.IsZero() {
		return "", errors.New("step-up subject is empty")
	}
	if ttl <= 0 {
		ttl = defaultStepUpTTL
	}
	now := verifier.clock()
	claims := StepUpClaims{
		Scope: StepUpScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    verifier.issuer,
			Subject:   sender.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(verifier.signingKey)
}
