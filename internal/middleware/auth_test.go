package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("test-secret-for-middleware-testing")
}

func protectedRouter(mw ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw...)
	router.POST("/admin/batch/restart", func(c *gin.Context) {
		c.JSON(200, gin.H{"user": GetUsername(c), "role": GetRole(c), "id": GetUserID(c)})
	})
	return router
}

func TestAuthRequired(t *testing.T) {
	valid, _ := utils.GenerateToken(1, "oncall", RoleOperator, 24)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"no scheme", "InvalidToken", http.StatusUnauthorized},
		{"basic scheme", "Basic token123", http.StatusUnauthorized},
		{"bearer without token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer invalid.jwt.token", http.StatusUnauthorized},
		{"valid token", "Bearer " + valid, http.StatusOK},
	}

	router := protectedRouter(AuthRequired())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/admin/batch/restart", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, expected %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRoleRequired(t *testing.T) {
	tests := []struct {
		role       string
		allowed    []string
		wantStatus int
	}{
		{"", []string{RoleAdmin}, http.StatusForbidden},
		{RoleOperator, []string{RoleAdmin}, http.StatusForbidden},
		{RoleAdmin, []string{RoleAdmin}, http.StatusOK},
		{RoleOperator, []string{RoleAdmin, RoleOperator}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.role+"->"+tt.allowed[len(tt.allowed)-1], func(t *testing.T) {
			setRole := func(c *gin.Context) {
				if tt.role != "" {
					c.Set(ContextRole, tt.role)
				}
				c.Next()
			}
			router := protectedRouter(setRole, RoleRequired(tt.allowed...))

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/admin/batch/restart", nil)
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, expected %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestContextGetters(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if GetUserID(c) != 0 || GetUsername(c) != "" || GetRole(c) != "" {
		t.Error("getters should return zero values on an anonymous context")
	}

	c.Set(ContextUserID, uint(42))
	c.Set(ContextUsername, "oncall")
	c.Set(ContextRole, RoleAdmin)
	if GetUserID(c) != 42 || GetUsername(c) != "oncall" || GetRole(c) != RoleAdmin {
		t.Errorf("getters = %d/%q/%q", GetUserID(c), GetUsername(c), GetRole(c))
	}
}
