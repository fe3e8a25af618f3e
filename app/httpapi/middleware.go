package httpapi

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"nuclight.org/tg-files-gateway/pkg/logger"
)

type (
	logCtxKey       struct{}
	requestIDCtxKey struct{}
)

func (s *Server) logger(ctx context.Context) logger.Logger {
	if log, ok := ctx.Value(logCtxKey{}).(logger.Logger); ok {
		return log
	}

	return s.log
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// assignRequestID runs outermost so every log line of a request, panics
// included, carries the same request_id.
func (s *Server) assignRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDCtxKey{}, requestID)
		ctx = context.WithValue(ctx, logCtxKey{}, s.log.With("request_id", requestID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.logger(r.Context())

		if requestID, ok := r.Context().Value(requestIDCtxKey{}).(string); ok {
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.Scope().SetTag("request_id", requestID)
			}
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		log.Info("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.size,
			"duration", time.Since(start),
			"remote_ip", clientIP(r, s.cfg.TrustProxy),
		)
	})
}

// recoverPanics turns a panic into a generic JSON 500. Sentry has already
// captured it by the time it gets here.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				s.logger(r.Context()).Error("panic", "error", fmt.Sprint(err), "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.cfg.TrustProxy)

		resetAt, ok := s.limiter.Take(ip)

		w.Header().Set("RateLimit-Limit", strconv.Itoa(s.limiter.Limit()))

		if !ok {
			retryAfter := int(math.Ceil(time.Until(resetAt).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))

			s.logger(r.Context()).Warn("rate limit exceeded", "remote_ip", ip)
			writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}
