// Package httpx holds the small HTTP helpers shared by the REST and
// websocket edges.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/apperr"
)

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 64 << 10

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

// ClientIP returns the peer address of the connection. Forwarding headers
// are ignored; use ProxyTrust.ClientIP behind a reverse proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ProxyTrust lists the reverse proxies allowed to report the client address
// through X-Forwarded-For or X-Real-IP. The zero value trusts nobody.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies reads a comma separated list of IPs and CIDR ranges.
func ParseTrustedProxies(list string) (ProxyTrust, error) {
	var t ProxyTrust
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return ProxyTrust{}, fmt.Errorf("invalid trusted proxy %q: %w", item, err)
			}
			t.prefixes = append(t.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return ProxyTrust{}, fmt.Errorf("invalid trusted proxy %q: %w", item, err)
		}
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return t, nil
}

func (t ProxyTrust) trusted(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's origin. Forwarding headers count only when
// the peer is a trusted proxy; X-Forwarded-For is walked right to left and
// the first untrusted hop wins.
func (t ProxyTrust) ClientIP(r *http.Request) string {
	peer := ClientIP(r)
	if len(t.prefixes) == 0 || !t.trusted(peer) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !t.trusted(hop) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// WriteError maps err onto a status code and error body. Rate-limit errors
// also set Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	detail := ErrorDetail{Code: apperr.CodeOf(err), Message: apperr.PublicMessage(err)}

	if retry := apperr.RetryAfterOf(err); retry > 0 {
		secs := int(math.Ceil(retry.Seconds()))
		detail.RetryAfterSec = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	WriteJSON(w, status, ErrorBody{Error: detail})
}

// DecodeJSON reads a single JSON object from r into v.
func DecodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation(apperr.CodeInvalidRequest, "request body is required")
		}
		return apperr.Wrap(err, apperr.KindValidation, apperr.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
