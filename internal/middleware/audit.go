package middleware

import (
	"bytes"
	"io"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/pkg/logger"
)

const auditBodyLimit = 2000

var sensitiveField = regexp.MustCompile(`(?i)("(?:password|secret|token|access_token|api_key)"\s*:\s*)"[^"]*"`)

// AuditLog records every write call on the admin API: who, what and the outcome.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != "POST" && method != "PUT" && method != "DELETE" {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			bodyBytes, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			body = maskSensitiveFields(string(bodyBytes))
			if len(body) > auditBodyLimit {
				body = body[:auditBodyLimit] + "...[truncated]"
			}
		}

		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= 400 {
			event = logger.Warn()
		}
		event.
			Bool("audit", true).
			Uint("user_id", GetUserID(c)).
			Str("username", GetUsername(c)).
			Str("method", method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Str("body", body).
			Msg("[Audit] " + auditOutcome(status))
	}
}

func auditOutcome(status int) string {
	if status >= 200 && status < 300 {
		return "OK"
	}
	return "Failed"
}

// maskSensitiveFields blanks the values of credential-like JSON string fields.
func maskSensitiveFields(body string) string {
	return sensitiveField.ReplaceAllString(body, `${1}"***"`)
}
