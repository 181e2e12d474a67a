package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	r, err := New([]Store{
		{ID: "shop-a", BaseURL: "https://a.example.com/", SharedSecret: "s3cret"},
		{ID: "shop-b", Label: "B", BaseURL: "http://b.example.com", SharedSecret: "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"shop-a", "shop-b"}, r.IDs())

	s, err := r.Lookup("shop-a")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com", s.BaseURL)
	assert.Equal(t, "shop-a", s.Label)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestNewRejectsBadEntries(t *testing.T) {
	cases := map[string][]Store{
		"empty id":     {{ID: " ", BaseURL: "https://a.example.com", SharedSecret: "x"}},
		"empty secret": {{ID: "a", BaseURL: "https://a.example.com"}},
		"bad url":      {{ID: "a", BaseURL: "a.example.com", SharedSecret: "x"}},
		"pipe in id":   {{ID: "shop|a", BaseURL: "https://a.example.com", SharedSecret: "x"}},
		"duplicate": {
			{ID: "a", BaseURL: "https://a.example.com", SharedSecret: "x"},
			{ID: "a", BaseURL: "https://a2.example.com", SharedSecret: "y"},
		},
	}
	for name, stores := range cases {
		_, err := New(stores)
		assert.Error(t, err, name)
	}
}

func TestOwnsURL(t *testing.T) {
	s := Store{ID: "a", BaseURL: "https://shop.example.com"}
	assert.True(t, s.OwnsURL("https://shop.example.com/checkout/order-received/42"))
	assert.True(t, s.OwnsURL("https://SHOP.example.com/x"))
	assert.False(t, s.OwnsURL("https://evil.example.net/phish"))
	assert.False(t, s.OwnsURL("/relative/path"))
	assert.False(t, s.OwnsURL("http://shop.example.com/downgrade"))
}
