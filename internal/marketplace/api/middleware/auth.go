package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/identity"
	"github.com/datarand/datarand-backend/pkg/errors"
)

const UserIDKey = "user_id"

type Authenticator interface {
	Authenticate(token string) (*identity.SessionClaims, error)
}

// AuthMiddleware requires a valid session token. Browsers cannot set headers
// on a websocket handshake, so upgrade requests may pass ?token= instead.
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := GetLogger(c)

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && c.IsWebsocket() {
			token = c.Query("token")
		}
		if token == "" {
			abortWithError(c, errors.KindAuth, errors.ErrUnauthorized, nil)
			return
		}

		claims, err := auth.Authenticate(token)
		if err != nil {
			logger.Debugf("Rejected session token: %v", err)
			abortWithError(c, errors.KindAuth, errors.MessageOf(err), nil)
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(LoggerKey, logger.With("user_id", claims.UserID))
		c.Next()
	}
}

// GetUserID returns the authenticated caller, or "" on public routes.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
