package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// SecretHeader carries the shared secret.
const SecretHeader = "X-Conduit-Secret"

func authMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)

	return func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(SecretHeader)), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response{
				Ok:    false,
				Error: "unauthorized",
			})
			return
		}
		c.Next()
	}
}

func requestLogger(log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.V(1).Info("request", "method", method, "path", path,
			"status", c.Writer.Status(), "latency", time.Since(start).String())
	}
}

func recovery(log logr.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		log.Error(nil, "panic while serving request", "method", c.Request.Method,
			"path", c.Request.URL.Path, "panic", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, response{Ok: false, Error: "internal error"})
	})
}
