package ws

import (
	"log"
	"net/http"
	"strings"

	socketio "github.com/googollee/go-socket.io"

	"go_bridge/internal/auth"
)

// extractToken extracts JWT token from request
// Priority: 1. token query parameter, 2. Authorization header
func extractToken(r *http.Request) string {
	// Socket.IO client: io("url", { auth: { token: "xxx" } })
	// This gets encoded as ?token=xxx in the handshake request
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		// Format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}

	return ""
}

// WrapWithAuth wraps the Socket.IO server with handshake authentication.
// Backend subscribers must present a valid JWT. Instances declare
// role=instance on the handshake and carry no token; they prove their
// identity afterwards with their enrollment credential on instance:hello,
// and until then they cannot subscribe to anything.
func WrapWithAuth(server *socketio.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" && strings.Contains(r.URL.Path, "/socket.io/") {
			token := extractToken(r)
			if token == "" {
				if r.URL.Query().Get("role") != "instance" {
					log.Printf("[WebSocket] Handshake rejected: Missing token from %s", r.RemoteAddr)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			} else {
				claims, err := auth.ParseToken(token)
				if err != nil {
					log.Printf("[WebSocket] Handshake rejected: Invalid token from %s: %v", r.RemoteAddr, err)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				log.Printf("[WebSocket] Handshake accepted: principal=%s", claims.Principal)
			}
		}

		// Serve Socket.IO
		server.ServeHTTP(w, r)
	})
}
