package runs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const tokenPrefix = "tr_"

// ErrInvalidToken is returned when a token does not authorize the requested run.
var ErrInvalidToken = errors.New("invalid access token")

// TokenIssuer mints and checks capability tokens that authorize status observation
// of exactly one run.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer signing with secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue returns the token for runID.
func (i *TokenIssuer) Issue(runID string) string {
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(i.sign(runID))
}

// Verify checks that token was issued for runID.
func (i *TokenIssuer) Verify(runID, token string) error {
	encoded, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return ErrInvalidToken
	}

	signature, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrInvalidToken
	}

	if !hmac.Equal(signature, i.sign(runID)) {
		return ErrInvalidToken
	}

	return nil
}

func (i *TokenIssuer) sign(runID string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte("run:" + runID))

	return mac.Sum(nil)
}
