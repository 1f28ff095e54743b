package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/httpx"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
)

// limit charges one token of class before calling next. Session routes are
// scoped to the session so ending it drops their buckets.
func (s *Server) limit(class resilience.Class, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			id := resilience.Identity{
				Scope:       r.PathValue("id"),
				Origin:      s.proxies.ClientIP(r),
				Fingerprint: r.Header.Get(FingerprintHeader),
			}
			if _, err := s.limiter.Check(r.Context(), class, id); err != nil {
				log.Warn().
					Str("class", string(class)).
					Str("origin", id.Origin).
					Str("path", r.URL.Path).
					Msg("rate limit exceeded")
				httpx.WriteError(w, err)
				return
			}
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// Hijack lets websocket upgrades pass through the logger.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RequestLogger logs one line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		evt := log.Info()
		if rec.status >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("origin", httpx.ClientIP(r)).
			Msg("request")
	})
}
