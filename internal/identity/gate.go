// Package identity decides, before upgrade, whether an HTTP request may become
// a connection and who it belongs to.
package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/livesock"
)

// Rejection is returned by Resolve with the close code the peer should see.
type Rejection struct {
	Code   int
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

type Config struct {
	// Origin is the application origin, e.g. "https://play.example.com".
	Origin string
	// LocalDev accepts any origin.
	LocalDev bool
	// AllowInsecure accepts plain ws:// upgrades.
	AllowInsecure bool
	// TrustProxy honours X-Forwarded-Proto and X-Forwarded-For.
	TrustProxy   bool
	TokenCookie  string
	DeviceCookie string
}

type Gate struct {
	cfg      Config
	verifier TokenVerifier
	log      *zap.Logger
}

func NewGate(cfg Config, verifier TokenVerifier, log *zap.Logger) *Gate {
	if cfg.TokenCookie == "" {
		cfg.TokenCookie = "session"
	}
	if cfg.DeviceCookie == "" {
		cfg.DeviceCookie = "device"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{cfg: cfg, verifier: verifier, log: log}
}

// Resolve returns the identity for r or a *Rejection.
func (g *Gate) Resolve(r *http.Request) (livesock.Identity, error) {
	if !g.AllowInsecure() && !g.secure(r) {
		return livesock.Identity{}, &Rejection{Code: livesock.CloseInsecure, Reason: livesock.ErrInsecureTransport}
	}
	if !g.cfg.LocalDev && !sameOrigin(r.Header.Get("Origin"), g.cfg.Origin) {
		return livesock.Identity{}, &Rejection{Code: livesock.CloseInsecure, Reason: livesock.ErrOriginMismatch}
	}

	if token := g.token(r); token != "" && g.verifier != nil {
		memberID, err := g.verifier.Verify(r.Context(), token)
		if err == nil {
			return livesock.Member(memberID), nil
		}
		g.log.Debug("token rejected, falling back to device", zap.Error(err))
	}

	if device := g.device(r); device != "" {
		return livesock.Anonymous(device), nil
	}
	return livesock.Identity{}, &Rejection{Code: livesock.ClosePolicyViolation, Reason: livesock.ErrAuthRequired}
}

// AllowInsecure reports whether plain transport is accepted.
func (g *Gate) AllowInsecure() bool {
	return g.cfg.AllowInsecure
}

// ClientIP returns the IP a request is indexed under.
func (g *Gate) ClientIP(r *http.Request) string {
	if g.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gate) secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return g.cfg.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (g *Gate) token(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return cookieValue(r, g.cfg.TokenCookie)
}

// device returns the device cookie if it holds a well-formed id.
func (g *Gate) device(r *http.Request) string {
	value := cookieValue(r, g.cfg.DeviceCookie)
	if value == "" {
		return ""
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return ""
	}
	return id.String()
}

// cookieValue treats a missing or unparseable cookie as absent.
func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func sameOrigin(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSuffix(got, "/"), strings.TrimSuffix(want, "/"))
}
