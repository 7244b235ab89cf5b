package identity

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecisionSecretEnv names the environment variable holding the shared
// secret for approval decision tokens.
const DecisionSecretEnv = "KEIRI_AGENT_APPROVAL_SECRET"

// DecisionClaims bind an approval decision to an approver identity.
// Subject carries the approver id; LevelID and Decision pin the token
// to one step of one route so a captured token cannot be replayed on
// another level or flipped from reject to approve.
type DecisionClaims struct {
	jwt.RegisteredClaims
	LevelID  string `json:"level_id"`
	Decision string `json:"decision"`
	RunID    string `json:"run_id,omitempty"`
}

// DecisionTokens signs and verifies approval decision tokens with a
// shared HS256 secret.
type DecisionTokens struct {
	secret []byte
}

func NewDecisionTokens(secret []byte) *DecisionTokens {
	return &DecisionTokens{secret: secret}
}

// DecisionTokensFromEnv builds a token manager from DecisionSecretEnv.
// Returns nil when the variable is unset, which callers treat as
// token checks disabled.
func DecisionTokensFromEnv() *DecisionTokens {
	if s := os.Getenv(DecisionSecretEnv); s != "" {
		return NewDecisionTokens([]byte(s))
	}
	return nil
}

// Issue signs a decision token for one approver on one route level.
func (d *DecisionTokens) Issue(approverID, levelID, decision, runID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keiri/approval",
		},
		LevelID:  levelID,
		Decision: decision,
		RunID:    runID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}

// Verify parses and validates a decision token: signature, expiry,
// and signing method. Checking the claims against the decision record
// they accompany is the caller's concern.
func (d *DecisionTokens) Verify(token string) (*DecisionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DecisionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*DecisionClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
