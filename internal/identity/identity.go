// Package identity provides anonymous participant and session identity for
// API and realtime requests.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	ParticipantCookieName = "ideacapture_participant"
	ParticipantHeaderName = "X-Participant-ID"
	SessionHeaderName     = "X-Session-ID"
	participantCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	participantKey contextKey = iota
	sessionIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ParticipantFromContext extracts the participant ID from the request context.
func ParticipantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session ID from the request context.
// It is empty when the request named no valid session.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithParticipant returns ctx carrying participant.
func WithParticipant(ctx context.Context, participant string) context.Context {
	return context.WithValue(ctx, participantKey, participant)
}

// WithSessionID returns ctx carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ValidID reports whether id is usable as a participant or session ID.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func generateParticipantID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func sanitize(id string) string {
	id = strings.TrimSpace(id)
	if !ValidID(id) {
		return ""
	}
	return id
}

func setParticipantCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ParticipantCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(participantCookieAge.Seconds()),
		Expires:  time.Now().Add(participantCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// participantFromRequest prefers an explicit header or query value; browser
// clients without one get a cookie-backed anonymous ID.
func participantFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := sanitize(r.Header.Get(ParticipantHeaderName)); id != "" {
		return id, nil
	}
	if id := sanitize(r.URL.Query().Get("participant")); id != "" {
		return id, nil
	}
	if c, err := r.Cookie(ParticipantCookieName); err == nil && ValidID(c.Value) {
		setParticipantCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateParticipantID()
	if err != nil {
		return "", err
	}
	setParticipantCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitize(sid)
}

// Middleware injects the participant ID and the requested session ID.
// No credentials are checked.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			participant, err := participantFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish participant identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithParticipant(r.Context(), participant)
			ctx = WithSessionID(ctx, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
