package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	tokenCookie  = "ct"
	tokenKey     = "client_token"
	cookieMaxAge = 3600 * 24 * 7
)

var ErrBadToken = errors.New("bad token")

// SignToken returns "<subject>.<hex hmac-sha256 of subject>".
func SignToken(secret, subject string) string {
	return subject + "." + sign(secret, subject)
}

// VerifyToken checks a SignToken token and returns its subject. With an empty
// secret every non-empty token is its own subject.
func VerifyToken(secret, token string) (string, error) {
	if token == "" {
		return "", ErrBadToken
	}
	if secret == "" {
		return token, nil
	}
	i := strings.LastIndexByte(token, '.')
	if i <= 0 {
		return "", ErrBadToken
	}
	subject, sig := token[:i], token[i+1:]
	if !hmac.Equal([]byte(sig), []byte(sign(secret, subject))) {
		return "", ErrBadToken
	}
	return subject, nil
}

func sign(secret, subject string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}

func requestToken(c *gin.Context) (string, bool) {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), true
	}
	if q := c.Query("token"); q != "" {
		return q, true
	}
	return "", false
}

// ClientTokenMiddleware resolves the caller's user id from a bearer header,
// a token query parameter or the ct cookie, minting a cookie for first-time
// browsers. Presented tokens that fail verification get a 401.
func ClientTokenMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, presented := requestToken(c)
		if !presented {
			token, _ = c.Cookie(tokenCookie)
			if _, err := VerifyToken(secret, token); err != nil {
				token = SignToken(secret, uuid.NewString())
				if secret == "" {
					token = uuid.NewString()
				}
				c.SetCookie(tokenCookie, token, cookieMaxAge, "/", "", false, true)
			}
		}
		subject, err := VerifyToken(secret, token)
		if err != nil {
			log.Warn().Str("module", "adapters.http").Str("path", c.Request.URL.Path).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		session := sessions.Default(c)
		if session.Get("user") != subject {
			session.Set("user", subject)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(tokenKey, subject)
		c.Next()
	}
}
