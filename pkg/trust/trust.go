// Package trust issues and checks the shared-secret tokens exchanged with Store A.
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidFormat    = errors.New("invalid token format")
	ErrStoreNotFound    = registry.ErrStoreNotFound
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
)

const DefaultWindow = 300 * time.Second

// StoreLookup resolves a store id to its shared secret.
type StoreLookup interface {
	Lookup(id string) (registry.Store, error)
}

type Manager struct {
	stores  StoreLookup
	window  time.Duration
	version Version
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithVersion sets the format Generate emits. Verify accepts every version.
func WithVersion(v Version) Option {
	return func(m *Manager) { m.version = v }
}

func NewManager(stores StoreLookup, opts ...Option) *Manager {
	m := &Manager{
		stores:  stores,
		window:  DefaultWindow,
		version: V1,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Generate signs the current time for storeAID.
func (m *Manager) Generate(storeAID string) (string, error) {
	store, err := m.stores.Lookup(storeAID)
	if err != nil {
		return "", err
	}
	ts := m.now().Unix()

	if m.version == V2 {
		claims := jwt.RegisteredClaims{
			Subject:  storeAID,
			IssuedAt: jwt.NewNumericDate(time.Unix(ts, 0)),
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(store.SharedSecret))
	}

	tok := Token{Version: V1, Signature: sign(storeAID, ts, store.SharedSecret), Timestamp: ts}
	return tok.String(), nil
}

// Verify checks raw was issued for storeAID within the window.
// Errors are checked in order: format, store, age, signature.
func (m *Manager) Verify(raw, storeAID string) error {
	tok, err := ParseToken(raw)
	if err != nil {
		return err
	}
	store, err := m.stores.Lookup(storeAID)
	if err != nil {
		return err
	}

	if tok.Version == V2 {
		return m.verifyJWT(tok.raw, storeAID, store.SharedSecret)
	}

	if !m.fresh(tok.Timestamp) {
		return ErrExpired
	}
	expected := sign(storeAID, tok.Timestamp, store.SharedSecret)
	if !hmac.Equal([]byte(expected), []byte(tok.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func (m *Manager) verifyJWT(raw, storeAID, secret string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return ErrInvalidFormat
		}
		return ErrInvalidSignature
	}
	if claims.IssuedAt == nil || !m.fresh(claims.IssuedAt.Unix()) {
		return ErrExpired
	}
	if claims.Subject != storeAID {
		return ErrInvalidSignature
	}
	return nil
}

func (m *Manager) fresh(ts int64) bool {
	age := m.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	return time.Duration(age)*time.Second <= m.window
}

func sign(storeAID string, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(storeAID + "|" + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
