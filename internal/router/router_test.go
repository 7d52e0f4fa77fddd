package router

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avenir-labs/gantry/internal/util"
)

func TestNew(t *testing.T) {
	t.Parallel()

	r := New[string]()
	assert.NotNil(t, r)
	assert.Empty(t, r.Routes())
}

func TestRouter_Register(t *testing.T) {
	t.Parallel()

	r := New[string]()

	route, err := r.Register(http.MethodGet, "/items/:id", "items")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, route.Method)
	assert.Equal(t, "/items/:id", route.Pattern)
	assert.Len(t, r.Routes(), 1)
}

func TestRouter_Register_InvalidMethod(t *testing.T) {
	t.Parallel()

	r := New[string]()

	_, err := r.Register("FETCH", "/items", "items")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported method")
}

func TestRouter_Register_InvalidPattern(t *testing.T) {
	t.Parallel()

	r := New[string]()

	_, err := r.Register(http.MethodGet, "items", "items")
	assert.Error(t, err)

	_, err = r.Register(http.MethodGet, "/items/:", "items")
	assert.Error(t, err)
}

func TestRouter_Dispatch_NamedParam(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(http.MethodGet, "/items/:id", "items")
	require.NoError(t, err)

	route, params, err := r.Dispatch(http.MethodGet, "/items/7")
	require.NoError(t, err)
	assert.Equal(t, "items", route.Handler)
	assert.Equal(t, map[string]string{"id": "7"}, params)
}

func TestRouter_Dispatch_MethodMismatch(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(http.MethodGet, "/items/:id", "items")
	require.NoError(t, err)

	_, _, err = r.Dispatch(http.MethodPost, "/items/7")
	assert.Error(t, err)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestRouter_Dispatch_RegistrationOrderWins(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(http.MethodGet, "/items/:id", "first")
	require.NoError(t, err)
	_, err = r.Register(http.MethodGet, "/items/special", "second")
	require.NoError(t, err)

	route, _, err := r.Dispatch(http.MethodGet, "/items/special")
	require.NoError(t, err)
	assert.Equal(t, "first", route.Handler)
}

func TestRouter_Dispatch_All(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(MethodAll, "/anything", "all")
	require.NoError(t, err)

	for _, method := range Methods {
		route, _, err := r.Dispatch(method, "/anything")
		require.NoError(t, err, method)
		assert.Equal(t, "all", route.Handler)
	}
}

func TestRouter_Dispatch_HeadFallsBackToGet(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(http.MethodGet, "/items", "items")
	require.NoError(t, err)

	route, _, err := r.Dispatch(http.MethodHead, "/items")
	require.NoError(t, err)
	assert.Equal(t, "items", route.Handler)
}

func TestRouter_Dispatch_TrailingSlash(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(http.MethodGet, "/items/:id", "items")
	require.NoError(t, err)

	_, params, err := r.Dispatch(http.MethodGet, "/items/7/")
	require.NoError(t, err)
	assert.Equal(t, "7", params["id"])
}

func TestRouter_Dispatch_Wildcards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		path    string
		matched bool
		params  map[string]string
	}{
		{
			name:    "single segment wildcard",
			pattern: "/files/*",
			path:    "/files/report.txt",
			matched: true,
			params:  map[string]string{"*": "report.txt"},
		},
		{
			name:    "single wildcard rejects nested path",
			pattern: "/files/*",
			path:    "/files/a/b",
			matched: false,
		},
		{
			name:    "double wildcard captures remainder",
			pattern: "/static/**",
			path:    "/static/css/site.css",
			matched: true,
			params:  map[string]string{"**": "css/site.css"},
		},
		{
			name:    "two single wildcards",
			pattern: "/a/*/b/*",
			path:    "/a/x/b/y",
			matched: true,
			params:  map[string]string{"*": "x", "*2": "y"},
		},
		{
			name:    "mixed named and wildcard",
			pattern: "/users/:id/files/**",
			path:    "/users/42/files/docs/cv.pdf",
			matched: true,
			params:  map[string]string{"id": "42", "**": "docs/cv.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := New[string]()
			_, err := r.Register(http.MethodGet, tt.pattern, "h")
			require.NoError(t, err)

			_, params, err := r.Dispatch(http.MethodGet, tt.path)
			if !tt.matched {
				assert.ErrorIs(t, err, util.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestRouter_Dispatch_Root(t *testing.T) {
	t.Parallel()

	r := New[string]()
	_, err := r.Register(http.MethodGet, "/", "root")
	require.NoError(t, err)

	route, _, err := r.Dispatch(http.MethodGet, "/")
	require.NoError(t, err)
	assert.Equal(t, "root", route.Handler)

	_, _, err = r.Dispatch(http.MethodGet, "/other")
	assert.Error(t, err)
}
