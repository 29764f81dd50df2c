package settled

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"devpn/observability/logging"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	JWTSecret   string
	Issuer      string
	Audience    string
	Leeway      time.Duration
}

// AuthConfig derives admin authentication settings from the daemon config.
func (c Config) AuthConfig() AuthConfig {
	return AuthConfig{
		BearerToken: c.Admin.BearerToken,
		JWTSecret:   c.Admin.JWTSecret,
		Issuer:      c.Admin.JWTIssuer,
		Audience:    c.Admin.JWTAudience,
		Leeway:      30 * time.Second,
	}
}

// Authenticator validates incoming admin requests with either a static
// bearer token or an HS256 JWT.
type Authenticator struct {
	bearerToken string
	jwtSecret   []byte
	parser      *jwt.Parser
	now         func() time.Time
	logger      *slog.Logger
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	if token == "" && secret == "" {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	a := &Authenticator{bearerToken: token, now: time.Now}
	if secret != "" {
		a.jwtSecret = []byte(secret)
		a.parser = jwt.NewParser(append(opts, jwt.WithTimeFunc(func() time.Time { return a.now() }))...)
	}
	return a, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		a.log().Warn("admin request rejected",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logging.MaskField("remote_addr", r.RemoteAddr),
			logging.MaskField("token", parseBearerToken(r.Header.Get("Authorization"))))
		w.Header().Set("WWW-Authenticate", `Bearer realm="settled"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (a *Authenticator) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if r == nil {
		return false
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
		return true
	}
	if a.parser != nil {
		return a.validJWT(token)
	}
	return false
}

func (a *Authenticator) validJWT(raw string) bool {
	parsed, err := a.parser.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	return err == nil && parsed.Valid
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
