package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/portfolio-workcore/internal/api/dto"
	"github.com/cuongbtq/portfolio-workcore/internal/api/handler"
	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

// Actor headers. Authentication happens upstream; these are trusted.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		attrs := []any{
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if actor, ok := handler.ActorFrom(c); ok {
			attrs = append(attrs, slog.String("actor_id", actor.ID), slog.String("actor_role", string(actor.Role)))
		}
		logger.Info("HTTP Request", attrs...)

		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+HeaderActorID+", "+HeaderActorRole)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ActorMiddleware reads the actor headers. Requests without them pass through
// without an actor; a malformed role is rejected.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		roleHeader := strings.TrimSpace(c.GetHeader(HeaderActorRole))
		if id == "" && roleHeader == "" {
			c.Next()
			return
		}

		role, err := lifecycle.ParseRole(strings.ToLower(roleHeader))
		if err != nil || id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
				Error: "both " + HeaderActorID + " and a known " + HeaderActorRole + " are required",
				Code:  "invalid",
			})
			return
		}

		handler.SetActor(c, lifecycle.Actor{ID: id, Role: role})
		c.Next()
	}
}
