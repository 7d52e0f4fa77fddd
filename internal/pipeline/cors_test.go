package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS_IsOriginAllowed(t *testing.T) {
	t.Parallel()

	h := newCORSHeaders(CORSConfig{
		AllowOrigins: []string{"https://app.example.com", "*.trusted.io"},
	})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact match", "https://app.example.com", true},
		{"wildcard subdomain", "https://api.trusted.io", true},
		{"wildcard nested subdomain", "https://a.b.trusted.io", true},
		{"wildcard with port", "https://api.trusted.io:8443", true},
		{"apex does not match wildcard", "https://trusted.io", false},
		{"suffix trick", "https://eviltrusted.io", false},
		{"unlisted origin", "https://other.example.com", false},
		{"empty origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, h.isOriginAllowed(tt.origin))
		})
	}
}

func TestCORS_AllowAll(t *testing.T) {
	t.Parallel()

	h := newCORSHeaders(DefaultCORSConfig())

	assert.True(t, h.isOriginAllowed("https://anything.example.net"))
	assert.Equal(t, 204, h.preflightStatus)
}

func TestCORS_ApplyEchoesOrigin(t *testing.T) {
	t.Parallel()

	h := newCORSHeaders(CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET"},
		AllowCredentials: true,
		MaxAge:           600,
	})

	resp := &Response{}
	h.apply(resp, "https://app.example.com")

	assert.Equal(t, "https://app.example.com", resp.Headers["Access-Control-Allow-Origin"])
	assert.Equal(t, "Origin", resp.Headers["Vary"])
	assert.Equal(t, "GET", resp.Headers["Access-Control-Allow-Methods"])
	assert.Equal(t, "true", resp.Headers["Access-Control-Allow-Credentials"])
	assert.Equal(t, "600", resp.Headers["Access-Control-Max-Age"])
}
