package ws

import (
	"log"
	"net/http"
	"strings"
	"sync"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"gorm.io/gorm"

	"go_bridge/internal/auth"
	"go_bridge/internal/bridge"
	"go_bridge/internal/registry"
)

// Handler wires Socket.IO connections to the bridge. Instances phone home
// and authenticate with their enrollment credential; backend subscribers
// authenticate with a JWT during the handshake.
type Handler struct {
	bridge   *bridge.Bridge
	registry *registry.Registry
	db       *gorm.DB
}

// connContext is what a live connection has proven about itself
type connContext struct {
	mu         sync.Mutex
	instanceID string
	epoch      uint64
	principal  string
	subs       map[string]*bridge.Subscription // task id -> live subscription
}

func (c *connContext) addSub(taskID string, sub *bridge.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.subs[taskID]; ok {
		old.Close()
	}
	c.subs[taskID] = sub
}

func (c *connContext) removeSub(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[taskID]; ok {
		sub.Close()
		delete(c.subs, taskID)
	}
}

func (c *connContext) closeSubs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.Close()
	}
	c.subs = make(map[string]*bridge.Subscription)
}

// InitServer initializes the Socket.IO server
func InitServer(b *bridge.Bridge, reg *registry.Registry, db *gorm.DB) (*socketio.Server, error) {
	h := &Handler{bridge: b, registry: reg, db: db}

	// Create server with custom transport options
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool {
					// Allow all origins for now (can be restricted later)
					return true
				},
			},
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool {
					// Allow all origins for now (can be restricted later)
					return true
				},
			},
		},
	})

	// Handle connection event
	server.OnConnect("/", func(s socketio.Conn) error {
		log.Printf("[WebSocket] Client connected: %s", s.ID())
		ctx := &connContext{subs: make(map[string]*bridge.Subscription)}
		// The auth wrapper already rejected invalid tokens; a token that
		// made it this far names the subscriber's principal.
		if token := tokenFromConn(s); token != "" {
			if claims, err := auth.ParseToken(token); err == nil {
				ctx.principal = claims.Principal
			}
		}
		s.SetContext(ctx)
		s.Emit("connected", map[string]interface{}{
			"ok": true,
		})
		return nil
	})

	// Handle disconnection event
	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("[WebSocket] Client disconnected: %s, reason: %s", s.ID(), reason)
		h.handleDisconnect(s)
	})

	// Handle error event
	server.OnError("/", func(s socketio.Conn, e error) {
		log.Printf("[WebSocket] Error for client %s: %v", s.ID(), e)
	})

	// Register event handlers
	server.OnEvent("/", "instance:hello", h.handleInstanceHello)
	server.OnEvent("/", "event", h.handleInstanceEvent)
	server.OnEvent("/", "pong", h.handlePong)
	server.OnEvent("/", "subscribe:task", h.handleSubscribeTask)
	server.OnEvent("/", "unsubscribe:task", h.handleUnsubscribeTask)

	// Start server goroutine
	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("[WebSocket] Server error: %v", err)
		}
	}()

	log.Println("[WebSocket] Socket.IO server initialized")
	return server, nil
}

// tokenFromConn reads the JWT the handshake carried, if any
func tokenFromConn(s socketio.Conn) string {
	u := s.URL()
	if token := u.Query().Get("token"); token != "" {
		return token
	}
	authHeader := s.RemoteHeader().Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return ""
}

func connCtx(s socketio.Conn) *connContext {
	if ctx, ok := s.Context().(*connContext); ok {
		return ctx
	}
	return nil
}

func (h *Handler) handleDisconnect(s socketio.Conn) {
	ctx := connCtx(s)
	if ctx == nil {
		return
	}
	ctx.closeSubs()
	if ctx.instanceID == "" {
		return
	}
	// Only the connection holding the current epoch reports a real
	// disconnect; a superseded connection going away is expected.
	if h.registry.ValidEpoch(ctx.instanceID, ctx.epoch) {
		h.bridge.HandleInstanceDisconnect(ctx.instanceID)
	}
}
