package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"powergate/internal/models"
)

// Response headers describing the quota state.
const (
	HeaderLimit      = "X-Rate-Limit-Limit"
	HeaderRemaining  = "X-Rate-Limit-Remaining"
	HeaderReset      = "X-Rate-Limit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// MiddlewareConfig controls how the admission middleware identifies clients
// and transports signed tokens.
type MiddlewareConfig struct {
	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP authoritative
	// for the client identity. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool

	PayloadCookie   string
	SignatureCookie string
	CookieMaxAge    time.Duration
	SecureCookies   bool
}

// DefaultMiddlewareConfig returns the cookie names used when none are configured.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		PayloadCookie:   "rate_limit_data",
		SignatureCookie: "rate_limit_signature",
		CookieMaxAge:    DefaultRetention,
	}
}

// Middleware returns HTTP middleware that admits or rejects each request
// against the limiter's tiers. Admitted requests are counted only when the
// wrapped handler answers with a 2xx status.
func Middleware(limiter *Limiter, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	def := DefaultMiddlewareConfig()
	if cfg.PayloadCookie == "" {
		cfg.PayloadCookie = def.PayloadCookie
	}
	if cfg.SignatureCookie == "" {
		cfg.SignatureCookie = def.SignatureCookie
	}
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = def.CookieMaxAge
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			subj := &Subject{
				Identity: ClientIP(r, cfg.TrustProxyHeaders),
				Token:    readToken(r, cfg),
			}

			client, err := limiter.Acquire(ctx, subj)
			if err != nil {
				// The caller went away or timed out while an earlier request
				// from the same identity held it; the upstream is never asked.
				limiter.logger.Debug("Abandoned request before admission",
					"identity", subj.Identity,
					"error", err,
				)
				writeError(w, http.StatusServiceUnavailable,
					models.NewErrorResponse("Request abandoned before admission.", models.ErrorCodeServiceUnavailable))
				return
			}
			defer client.Release()

			d := client.Check(ctx)
			if d.Tampered {
				clearToken(w, cfg)
				writeError(w, http.StatusForbidden,
					models.NewErrorResponse("Invalid rate limit token.", models.ErrorCodeInvalidToken))
				limiter.logger.Warn("Rejected tampered rate limit token", "identity", subj.Identity)
				return
			}

			if !d.Allowed {
				retryAfter := RetryAfter(client.now(), d.Tier.Seconds())
				setStatsHeaders(w.Header(), d.Stats)
				w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
				writeError(w, http.StatusTooManyRequests, models.NewErrorResponse(d.Tier.Message, d.Tier.Code))
				limiter.logger.Warn("Rate limit exceeded",
					"identity", subj.Identity,
					"tier", d.Tier.Name,
					"limit", d.Stats.Limit,
					"retry_after", retryAfter,
				)
				return
			}

			aw := &admissionWriter{ResponseWriter: w, ctx: ctx, client: client, cfg: cfg}
			next.ServeHTTP(aw, r)
			if !aw.wroteHeader {
				aw.WriteHeader(http.StatusOK)
			}
		})
	}
}

// admissionWriter settles the quota when the handler commits its status:
// 2xx responses are counted, then the quota headers and any new token are
// attached before the header is sent.
type admissionWriter struct {
	http.ResponseWriter
	ctx         context.Context
	client      *Client
	cfg         MiddlewareConfig
	wroteHeader bool
}

func (aw *admissionWriter) WriteHeader(code int) {
	if aw.wroteHeader {
		return
	}
	aw.wroteHeader = true

	if code >= 200 && code < 300 {
		// Failures are logged and counted by the limiter; the response
		// still goes out.
		_ = aw.client.Increment(aw.ctx)
	}

	setStatsHeaders(aw.Header(), aw.client.Stats(aw.client.limiter.tiers[0]))
	if tok := aw.client.Subject().Issued; tok != nil {
		writeToken(aw.ResponseWriter, aw.cfg, *tok)
	}
	aw.ResponseWriter.WriteHeader(code)
}

func (aw *admissionWriter) Write(b []byte) (int, error) {
	if !aw.wroteHeader {
		aw.WriteHeader(http.StatusOK)
	}
	return aw.ResponseWriter.Write(b)
}

func (aw *admissionWriter) Flush() {
	if !aw.wroteHeader {
		aw.WriteHeader(http.StatusOK)
	}
	if f, ok := aw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (aw *admissionWriter) Unwrap() http.ResponseWriter {
	return aw.ResponseWriter
}

func setStatsHeaders(h http.Header, s Stats) {
	h.Set(HeaderLimit, strconv.Itoa(s.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(s.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(s.ResetAt, 10))
}

func writeError(w http.ResponseWriter, status int, resp *models.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func readToken(r *http.Request, cfg MiddlewareConfig) Token {
	var t Token
	if c, err := r.Cookie(cfg.PayloadCookie); err == nil {
		t.Payload = c.Value
	}
	if c, err := r.Cookie(cfg.SignatureCookie); err == nil {
		t.Signature = c.Value
	}
	return t
}

func writeToken(w http.ResponseWriter, cfg MiddlewareConfig, t Token) {
	maxAge := int(cfg.CookieMaxAge / time.Second)
	http.SetCookie(w, tokenCookie(cfg, cfg.PayloadCookie, t.Payload, maxAge))
	http.SetCookie(w, tokenCookie(cfg, cfg.SignatureCookie, t.Signature, maxAge))
}

func clearToken(w http.ResponseWriter, cfg MiddlewareConfig) {
	http.SetCookie(w, tokenCookie(cfg, cfg.PayloadCookie, "", -1))
	http.SetCookie(w, tokenCookie(cfg, cfg.SignatureCookie, "", -1))
}

func tokenCookie(cfg MiddlewareConfig, name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClientIP returns the identity used for server-side histories. Proxy
// headers are consulted only when trustProxy is set; otherwise the
// connection's remote host is used, without its port.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
