package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// -----------------------------------------------------------------------------

// requestID tags every request with the caller's X-Request-ID or a fresh UUID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// -----------------------------------------------------------------------------

func (s *APIServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		log := s.Logger.With(
			"request_id", c.GetString(requestIDKey),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
		switch {
		case status == statusClientClosedRequest:
			log.Info("%s %s (client gone)", c.Request.Method, c.Request.URL.RequestURI())
		case status >= http.StatusInternalServerError:
			log.Error("%s %s", c.Request.Method, c.Request.URL.RequestURI())
		case status >= http.StatusBadRequest:
			log.Warning("%s %s", c.Request.Method, c.Request.URL.RequestURI())
		default:
			log.Debug("%s %s", c.Request.Method, c.Request.URL.RequestURI())
		}
	}
}

// -----------------------------------------------------------------------------

// recovery turns a handler panic into the usual JSON failure body.
func (s *APIServer) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.Logger.Error("Panic serving %s (request %s): %v", c.Request.URL.Path, c.GetString(requestIDKey), recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success":    false,
			"count":      0,
			"rows":       []any{},
			"error":      "internal error",
			"error_kind": "Internal",
		})
	})
}

// -----------------------------------------------------------------------------

// cors allows browser dashboards served from the loopback interface.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
