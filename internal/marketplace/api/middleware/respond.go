package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/pkg/errors"
)

func abortWithError(c *gin.Context, kind errors.Kind, message string, details any) {
	body := gin.H{
		"kind":    kind,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	c.AbortWithStatusJSON(errors.HTTPStatus(kind), gin.H{
		"success": false,
		"error":   body,
	})
}
