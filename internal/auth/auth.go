package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "campusmerit"
	secretEnvVariable = "MERIT_AUTH_SECRET"

	// Accepted clock skew between the token minter and this process.
	leeway = 5 * time.Second
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")

	errMissingSecret = errors.New("auth secret is not configured")
)

// Claims binds a bearer token to one ledger identity. The subject is the
// caller address in checksummed hex; roles live in the ledger, not the token.
type Claims struct {
	jwt.RegisteredClaims
}

// Caller decodes the subject into a ledger identity.
func (c *Claims) Caller() (common.Address, error) {
	if !common.IsHexAddress(c.Subject) {
		return common.Address{}, ErrInvalidToken
	}
	addr := common.HexToAddress(c.Subject)
	if addr == (common.Address{}) {
		return common.Address{}, ErrInvalidToken
	}
	return addr, nil
}

// keyring holds the HS256 key. It is resolved from the environment on first
// use unless SetSecret pinned one.
type keyring struct {
	mu     sync.Mutex
	key    []byte
	err    error
	loaded bool
}

var keys keyring

func (k *keyring) get() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.loaded {
		k.set(os.Getenv(secretEnvVariable))
	}
	return k.key, k.err
}

// set must be called with mu held.
func (k *keyring) set(raw string) {
	raw = strings.TrimSpace(raw)
	k.loaded = true
	if raw == "" {
		k.key, k.err = nil, errMissingSecret
		return
	}
	k.key, k.err = []byte(raw), nil
}

// SetSecret pins the signing secret, overriding MERIT_AUTH_SECRET.
func SetSecret(raw string) {
	keys.mu.Lock()
	defer keys.mu.Unlock()
	keys.set(raw)
}

// ResetSecretForTests forgets the pinned secret so the next call rereads the
// environment.
func ResetSecretForTests() {
	keys.mu.Lock()
	defer keys.mu.Unlock()
	keys.key, keys.err, keys.loaded = nil, nil, false
}

// GenerateToken signs an HS256 token whose subject is caller.
func GenerateToken(caller common.Address, ttl time.Duration) (string, error) {
	if caller == (common.Address{}) {
		return "", errors.New("caller is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	key, err := keys.get()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   caller.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the signature, issuer and lifetime and checks that
// the subject names a ledger identity. Every failure is ErrInvalidToken.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := keys.get()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.IssuedAt == nil || claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return nil, ErrInvalidToken
	}
	if _, err := claims.Caller(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
