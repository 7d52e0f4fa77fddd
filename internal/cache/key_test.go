package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilder_PathOnly(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{})

	key := b.Build("get", "/users/1", map[string]string{"page": "2"}, nil, "u1")
	assert.Equal(t, "GET:/users/1", key)
}

func TestKeyBuilder_QueryOrderIndependent(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{IncludeQuery: []string{"page", "limit"}})

	k1 := b.Build("GET", "/users", map[string]string{"page": "2", "limit": "10"}, nil, "")
	k2 := b.Build("GET", "/users", map[string]string{"limit": "10", "page": "2"}, nil, "")
	assert.Equal(t, k1, k2)
	assert.Equal(t, "GET:/users:q:limit=10:q:page=2", k1)
}

func TestKeyBuilder_UnlistedQueryIgnored(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{IncludeQuery: []string{"page"}})

	k1 := b.Build("GET", "/users", map[string]string{"page": "1", "trace": "abc"}, nil, "")
	k2 := b.Build("GET", "/users", map[string]string{"page": "1"}, nil, "")
	assert.Equal(t, k1, k2)
}

func TestKeyBuilder_AbsentDimensionChangesKey(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{IncludeQuery: []string{"page"}})

	with := b.Build("GET", "/users", map[string]string{"page": "1"}, nil, "")
	without := b.Build("GET", "/users", nil, nil, "")
	assert.NotEqual(t, with, without)
}

func TestKeyBuilder_HeadersCaseInsensitive(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{IncludeHeaders: []string{"Accept-Language"}})

	k1 := b.Build("GET", "/users", nil, map[string]string{"Accept-Language": "en"}, "")
	k2 := b.Build("GET", "/users", nil, map[string]string{"accept-language": "en"}, "")
	assert.Equal(t, k1, k2)
	assert.Equal(t, "GET:/users:h:accept-language=en", k1)
}

func TestKeyBuilder_VaryByUser(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{VaryByUser: true})

	k1 := b.Build("GET", "/me", nil, nil, "alice")
	k2 := b.Build("GET", "/me", nil, nil, "bob")
	anon := b.Build("GET", "/me", nil, nil, "")

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "GET:/me:u:alice", k1)
	assert.Equal(t, "GET:/me", anon)
}

func TestKeyBuilder_Prefix(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder(KeyConfig{Prefix: "list-users"})

	key := b.Build("GET", "/users", nil, nil, "")
	assert.Equal(t, "list-users:GET:/users", key)
}

func TestHashKey(t *testing.T) {
	t.Parallel()

	h1 := HashKey("GET:/users")
	h2 := HashKey("GET:/users")
	h3 := HashKey("GET:/orders")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
