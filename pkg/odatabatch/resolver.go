/*
 * Copyright (c) 2024-present unTill Pro, Ltd.
 */

package odatabatch

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/slices"
)

// uriSafePunct is the set of non-alphanumeric runes allowed in a $id token
// besides letters and digits.
var uriSafePunct = []rune{'-', '_', '.', '~'}

// urlResolver records the absolute URI a request with a
// given Content-ID resolved to, and rewrites "$id/segment" references in
// later requests of the same scope. Backed by an LRU so a pathological
// batch cannot grow the map past the quota the façade already enforces on
// changeset size.
type urlResolver struct {
	cache *lru.Cache[string, string]
}

func newURLResolver(capacity int) *urlResolver {
	if capacity < 16 {
		capacity = 16
	}
	c, _ := lru.New[string, string](capacity)
	return &urlResolver{cache: c}
}

func (r *urlResolver) register(id, uri string) {
	r.cache.Add(id, uri)
}

func (r *urlResolver) contains(id string) bool {
	_, ok := r.cache.Peek(id)
	return ok
}

func (r *urlResolver) lookup(id string) (string, bool) {
	return r.cache.Peek(id)
}

func (r *urlResolver) reset() {
	r.cache.Purge()
}

// resolve rewrites a leading "$<contentId>" token, optionally followed by
// "/segments", using a previously registered URI. If the URI does not
// start with "$", or the scope doesn't contain the id, the rules
// apply: inside a changeset an unknown id is an error; outside, the
// reference passes through untouched.
func resolve(r *urlResolver, uri string, insideChangeset bool) (string, error) {
	if !strings.HasPrefix(uri, "$") {
		return uri, nil
	}
	rest := uri[1:]
	id, remainder := splitContentIDToken(rest)
	if id == "" {
		return uri, nil
	}
	resolved, ok := r.lookup(id)
	if !ok {
		if insideChangeset {
			return "", newBatchError(ErrUnresolvedContentID, "content-id %q not registered in current changeset", id)
		}
		return uri, nil
	}
	return resolved + remainder, nil
}

// splitContentIDToken splits "1/Orders" into ("1", "/Orders") or "1" into
// ("1", ""). A token is URI-safe characters up to the first "/" or end.
func splitContentIDToken(s string) (id, remainder string) {
	for i, c := range s {
		if c == '/' {
			return s[:i], s[i:]
		}
		if !isURISafe(c) {
			return "", ""
		}
	}
	return s, ""
}

func isURISafe(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	default:
		return slices.Contains(uriSafePunct, c)
	}
}
