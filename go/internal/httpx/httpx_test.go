package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

func TestClientIPIgnoresForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.7:5123"
	r.Header.Set("X-Real-IP", "192.0.2.4")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	assert.Equal(t, "198.51.100.7", ClientIP(r))
	assert.Equal(t, "198.51.100.7", ProxyTrust{}.ClientIP(r))
}

func TestProxyTrustClientIP(t *testing.T) {
	trust, err := ParseTrustedProxies("10.0.0.0/8, 192.168.1.1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		remote string
		fwd    string
		real   string
		want   string
	}{
		{name: "untrusted peer keeps its address", remote: "198.51.100.7:1", fwd: "203.0.113.9", want: "198.51.100.7"},
		{name: "trusted proxy forwards client", remote: "10.0.0.2:1", fwd: "203.0.113.9", want: "203.0.113.9"},
		{name: "spoofed leading hop is skipped", remote: "10.0.0.2:1", fwd: "1.2.3.4, 203.0.113.9, 10.0.0.3", want: "203.0.113.9"},
		{name: "real ip from trusted proxy", remote: "192.168.1.1:1", real: "203.0.113.10", want: "203.0.113.10"},
		{name: "trusted proxy without headers", remote: "10.1.1.1:1", want: "10.1.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.fwd != "" {
				r.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if tt.real != "" {
				r.Header.Set("X-Real-IP", tt.real)
			}
			assert.Equal(t, tt.want, trust.ClientIP(r))
		})
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseTrustedProxies("10.0.0.0/8, not-an-ip")
	assert.Error(t, err)

	trust, err := ParseTrustedProxies("")
	require.NoError(t, err)
	assert.Empty(t, trust.prefixes)
}

func TestWriteErrorRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperr.RateLimited(1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperr.CodeRateLimited, body.Error.Code)
	assert.Equal(t, 2, body.Error.RetryAfterSec)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error.Message)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Code string `json:"code"`
	}
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"code":"ABC234"}`))
	require.NoError(t, DecodeJSON(r, &v))
	assert.Equal(t, "ABC234", v.Code)

	r = httptest.NewRequest("POST", "/", strings.NewReader(``))
	assert.True(t, apperr.IsKind(DecodeJSON(r, &v), apperr.KindValidation))

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"code":`))
	assert.True(t, apperr.IsKind(DecodeJSON(r, &v), apperr.KindValidation))
}
