package monitor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("monitor-test-secret")

func signToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  1,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func requestMonitor(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/monitor/ws?token="+token, nil)
	HandleMonitorWebSocket(c, testSecret)
	return w
}

func TestMonitorRejectsMissingToken(t *testing.T) {
	w := requestMonitor(t, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMonitorRejectsBadSignature(t *testing.T) {
	token := signToken(t, []byte("other-secret"), "super")
	w := requestMonitor(t, token)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// 非超级管理员的合法token也不能连大屏
func TestMonitorRejectsNonSuperRole(t *testing.T) {
	token := signToken(t, testSecret, "user")
	w := requestMonitor(t, token)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestMonitorAcceptsSuperRole(t *testing.T) {
	token := signToken(t, testSecret, "super")
	w := requestMonitor(t, token)
	// 不是真正的websocket握手，升级本身会失败，但不能被鉴权挡住
	if w.Code == http.StatusUnauthorized || w.Code == http.StatusForbidden {
		t.Errorf("status = %d, auth should pass for super role", w.Code)
	}
}
