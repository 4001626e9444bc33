package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	socketio "github.com/googollee/go-socket.io"

	"go_bridge/internal/auth"
)

func newAuthHandler(t *testing.T) http.Handler {
	t.Helper()
	auth.InitJWT("test-secret-key")
	return WrapWithAuth(socketio.NewServer(nil))
}

func handshake(h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWrapWithAuth_RejectsTokenlessHandshake(t *testing.T) {
	h := newAuthHandler(t)
	w := handshake(h, "/socket.io/?EIO=4&transport=polling", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", w.Code)
	}
}

func TestWrapWithAuth_RejectsInvalidToken(t *testing.T) {
	h := newAuthHandler(t)
	w := handshake(h, "/socket.io/?EIO=4&transport=polling&token=garbage", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a bad token, got %d", w.Code)
	}
}

func TestWrapWithAuth_AcceptsValidToken(t *testing.T) {
	h := newAuthHandler(t)
	token, err := auth.GenerateToken("alice", "user", time.Now().Add(time.Hour), "bridge")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	w := handshake(h, "/socket.io/?EIO=4&transport=polling&token="+token, nil)
	if w.Code == http.StatusUnauthorized {
		t.Error("Valid token was rejected at the handshake")
	}
}

func TestWrapWithAuth_AcceptsBearerHeader(t *testing.T) {
	h := newAuthHandler(t)
	token, err := auth.GenerateToken("alice", "user", time.Now().Add(time.Hour), "bridge")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	w := handshake(h, "/socket.io/?EIO=4&transport=polling", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if w.Code == http.StatusUnauthorized {
		t.Error("Bearer token was rejected at the handshake")
	}
}

func TestWrapWithAuth_InstanceRoleNeedsNoToken(t *testing.T) {
	// Instances carry no JWT; they prove their identity afterwards on
	// instance:hello with their enrollment credential.
	h := newAuthHandler(t)
	w := handshake(h, "/socket.io/?EIO=4&transport=polling&role=instance", nil)
	if w.Code == http.StatusUnauthorized {
		t.Errorf("Instance handshake must not require a JWT, got %d", w.Code)
	}
}
