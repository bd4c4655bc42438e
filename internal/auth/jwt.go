package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxUserID ctxKey = "uid"

var (
	// ErrMissingSubject means the token carries no sub claim
	ErrMissingSubject = errors.New("token has no subject")

	// ErrAudienceMismatch means none of the token audiences is accepted
	ErrAudienceMismatch = errors.New("token audience not accepted")
)

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	Issuer      string // required iss claim; empty skips the check
	// AcceptedAudiences lists allowed aud values; empty skips the check
	AcceptedAudiences []string
	DevMode           bool // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// ValidateToken verifies an HS256 token and returns its subject and claims
func ValidateToken(tok string, cfg JWTCfg) (string, jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.HS256Secret), nil
	}, opts...)
	if err != nil {
		return "", nil, err
	}
	if !t.Valid {
		return "", nil, jwt.ErrTokenInvalidClaims
	}

	if len(cfg.AcceptedAudiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil {
			return "", nil, err
		}
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(cfg.AcceptedAudiences, a) }) {
			return "", nil, ErrAudienceMismatch
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", nil, ErrMissingSubject
	}
	return sub, claims, nil
}

// Middleware creates HTTP middleware for JWT authentication. The token
// subject is the user id.
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""

			// Development mode: accept X-Debug-Sub ONLY if DevMode is enabled and no token present
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Ctx(r.Context()).Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				s, _, err := ValidateToken(tok, cfg)
				if err != nil {
					log.Ctx(r.Context()).Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				sub = s
			}

			if sub == "" {
				log.Ctx(r.Context()).Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CtxUserID, sub)
			logger := log.Ctx(ctx).With().Str("userId", sub).Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

// UserID extracts the authenticated user ID from request context
// Returns empty string if not authenticated (should never happen after middleware)
func UserID(ctx context.Context) string {
	if v := ctx.Value(CtxUserID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
