package trust

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]registry.Store{
		{ID: "shop-a", BaseURL: "https://a.example.com", SharedSecret: "secret-a"},
		{ID: "shop-b", BaseURL: "https://b.example.com", SharedSecret: "secret-b"},
	})
	require.NoError(t, err)
	return r
}

func TestRoundTrip(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(newRegistry(t), WithClock(c.now))

	tok, err := m.Generate("shop-a")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(tok, "|1700000000"))
	assert.NoError(t, m.Verify(tok, "shop-a"))
}

func TestKnownVector(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(newRegistry(t), WithClock(c.now))

	tok, err := m.Generate("shop-a")
	require.NoError(t, err)
	parsed, err := ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, sign("shop-a", 1_700_000_000, "secret-a"), parsed.Signature)
	assert.Len(t, parsed.Signature, 64)
}

func TestBitFlipIsRejected(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(newRegistry(t), WithClock(c.now))

	tok, err := m.Generate("shop-a")
	require.NoError(t, err)

	flipped := []byte(tok)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.ErrorIs(t, m.Verify(string(flipped), "shop-a"), ErrInvalidSignature)
}

func TestWrongSecretIsRejected(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(newRegistry(t), WithClock(c.now))

	tok, err := m.Generate("shop-b")
	require.NoError(t, err)
	// shop-b's token presented as shop-a
	assert.ErrorIs(t, m.Verify(tok, "shop-a"), ErrInvalidSignature)
}

func TestWindow(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	c := &clock{t: issued}
	m := NewManager(newRegistry(t), WithClock(c.now))
	tok, err := m.Generate("shop-a")
	require.NoError(t, err)

	c.t = issued.Add(299 * time.Second)
	assert.NoError(t, m.Verify(tok, "shop-a"))

	c.t = issued.Add(300 * time.Second)
	assert.NoError(t, m.Verify(tok, "shop-a"))

	c.t = issued.Add(301 * time.Second)
	assert.ErrorIs(t, m.Verify(tok, "shop-a"), ErrExpired)

	c.t = issued.Add(-301 * time.Second)
	assert.ErrorIs(t, m.Verify(tok, "shop-a"), ErrExpired)
}

func TestVerifyErrors(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(newRegistry(t), WithClock(c.now))
	ts := strconv.FormatInt(c.t.Unix(), 10)

	assert.ErrorIs(t, m.Verify("", "shop-a"), ErrInvalidFormat)
	assert.ErrorIs(t, m.Verify("abc", "shop-a"), ErrInvalidFormat)
	assert.ErrorIs(t, m.Verify("a|b|c", "shop-a"), ErrInvalidFormat)
	assert.ErrorIs(t, m.Verify("abc|notanumber", "shop-a"), ErrInvalidFormat)
	assert.ErrorIs(t, m.Verify("abc|"+ts, "unknown"), ErrStoreNotFound)

	_, err := m.Generate("unknown")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestV2Tokens(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	c := &clock{t: issued}
	reg := newRegistry(t)
	issuer := NewManager(reg, WithClock(c.now), WithVersion(V2))
	verifier := NewManager(reg, WithClock(c.now))

	tok, err := issuer.Generate("shop-a")
	require.NoError(t, err)
	parsed, err := ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, V2, parsed.Version)

	assert.NoError(t, verifier.Verify(tok, "shop-a"))
	assert.ErrorIs(t, verifier.Verify(tok, "shop-b"), ErrInvalidSignature)

	c.t = issued.Add(301 * time.Second)
	assert.ErrorIs(t, verifier.Verify(tok, "shop-a"), ErrExpired)

	c.t = issued
	tampered := tok[:len(tok)-2] + "xx"
	assert.Error(t, verifier.Verify(tampered, "shop-a"))
}
