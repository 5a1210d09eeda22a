package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflowcore/internal/platform/config"
	"github.com/lyzr/workflowcore/internal/platform/errs"
	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// exemptPaths never require a bearer token.
var exemptPaths = map[string]bool{
	"/api/v1/health":     true,
	"/api/v1/auth/login": true,
}

// claims is the compact JSON token payload HMAC-signed over a shared
// secret.
type claims struct {
	Sub string `json:"sub"`
	IAT int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

const claimsContextKey = "auth_claims"

// signToken produces a compact "<base64 payload>.<base64 hmac>" token;
// tests and the (non-goal) login endpoint use this to mint tokens.
func signToken(secret string, c claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return encodedPayload + "." + sig, nil
}

func verifyToken(secret, token string) (claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return claims{}, echo.NewHTTPError(http.StatusUnauthorized, "malformed token")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0]))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return claims{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claims{}, echo.NewHTTPError(http.StatusUnauthorized, "malformed payload")
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return claims{}, echo.NewHTTPError(http.StatusUnauthorized, "malformed claims")
	}
	if c.Exp != 0 && time.Now().Unix() > c.Exp {
		return claims{}, echo.NewHTTPError(http.StatusUnauthorized, "token expired")
	}
	return c, nil
}

// bearerAuth extracts and verifies the Authorization: Bearer <token>
// header, exempting health and login. Token issuance lives elsewhere;
// this middleware only verifies.
func bearerAuth(cfg config.AuthConfig, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if exemptPaths[c.Request().URL.Path] {
				return next(c)
			}
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return jsonErr(c, http.StatusUnauthorized, errs.KindUnauthorized, "missing bearer token")
			}
			token := strings.TrimPrefix(header, "Bearer ")
			cl, err := verifyToken(cfg.Secret, token)
			if err != nil {
				log.Debug("rejected bearer token", "error", err, "path", c.Path())
				return jsonErr(c, http.StatusUnauthorized, errs.KindUnauthorized, "invalid or expired token")
			}
			c.Set(claimsContextKey, cl)
			return next(c)
		}
	}
}

func subjectFrom(c echo.Context) string {
	if v, ok := c.Get(claimsContextKey).(claims); ok {
		return v.Sub
	}
	return ""
}
