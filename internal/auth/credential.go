package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The pipeline consumes pre-issued credentials; it never issues them.
// A credential is an opaque token carried in the first websocket message
// because the browser websocket handshake cannot attach custom headers.

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
)

// Identity is the validated result of a credential check.
type Identity struct {
	UserID    string
	Tier      string
	ExpiresAt time.Time
}

// Validator checks a credential against the external identity
// collaborator. Implementations must be safe for concurrent use.
type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

// HMACValidator verifies tokens of the form
// base64url(userID|tier|expiryUnix) + "." + hex(HMAC-SHA256(payload)).
type HMACValidator struct {
	secret []byte
	now    func() time.Time
}

func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret), now: time.Now}
}

func (v *HMACValidator) Validate(_ context.Context, credential string) (Identity, error) {
	payload, sig, ok := strings.Cut(strings.TrimSpace(credential), ".")
	if !ok || payload == "" || sig == "" {
		return Identity{}, ErrInvalidCredential
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Identity{}, ErrInvalidCredential
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Identity{}, ErrInvalidCredential
	}
	expUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}

	id := Identity{
		UserID:    parts[0],
		Tier:      parts[1],
		ExpiresAt: time.Unix(expUnix, 0).UTC(),
	}
	if !v.now().Before(id.ExpiresAt) {
		return Identity{}, ErrExpiredCredential
	}
	return id, nil
}

// SignCredential builds a token the HMACValidator accepts. Used by the
// client CLI and tests; production issuance lives with the identity
// service.
func SignCredential(secret, userID, tier string, expiresAt time.Time) string {
	payload := base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s|%s|%d", userID, tier, expiresAt.Unix())))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}
