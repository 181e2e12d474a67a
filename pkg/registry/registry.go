// Package registry holds the Store A installations this proxy serves.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var ErrStoreNotFound = errors.New("store not registered")

// Store is one trusted Store A installation.
type Store struct {
	ID           string
	Label        string
	BaseURL      string
	SharedSecret string
}

// Registry is read-only once built and safe for concurrent use.
type Registry struct {
	stores map[string]Store
}

func New(stores []Store) (*Registry, error) {
	r := &Registry{stores: make(map[string]Store, len(stores))}
	for i, s := range stores {
		s.ID = strings.TrimSpace(s.ID)
		s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
		if s.ID == "" {
			return nil, fmt.Errorf("store #%d: empty id", i)
		}
		// '|' frames correlation ids and v1 token messages
		if strings.Contains(s.ID, "|") {
			return nil, fmt.Errorf("store %s: id must not contain '|'", s.ID)
		}
		if s.SharedSecret == "" {
			return nil, fmt.Errorf("store %s: empty shared secret", s.ID)
		}
		u, err := url.Parse(s.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("store %s: invalid base url %q", s.ID, s.BaseURL)
		}
		if _, dup := r.stores[s.ID]; dup {
			return nil, fmt.Errorf("store %s: duplicate id", s.ID)
		}
		if s.Label == "" {
			s.Label = s.ID
		}
		r.stores[s.ID] = s
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (Store, error) {
	s, ok := r.stores[id]
	if !ok {
		return Store{}, ErrStoreNotFound
	}
	return s, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	return len(r.stores)
}

// OwnsURL reports whether raw points at the store's own host, so redirects
// back to Store A cannot be steered elsewhere.
func (s Store) OwnsURL(raw string) bool {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return false
	}
	return strings.EqualFold(u.Hostname(), base.Hostname()) && (u.Scheme == "https" || u.Scheme == base.Scheme)
}
