package ws

import (
	"encoding/json"
	"log"

	socketio "github.com/googollee/go-socket.io"

	"go_bridge/internal/bridge"
	"go_bridge/internal/enroll"
	"go_bridge/internal/model"
	"go_bridge/internal/protocol"
)

// instanceConn adapts a Socket.IO session to the bridge's command channel
type instanceConn struct {
	s socketio.Conn
}

func (c *instanceConn) Send(cmd *bridge.Command) error {
	c.s.Emit("command", cmd)
	return nil
}

func (c *instanceConn) Close() error {
	return c.s.Close()
}

// helloData is the instance's authentication message
type helloData struct {
	InstanceID string `json:"instance_id"`
	Credential string `json:"credential"`
}

// handleInstanceHello authenticates a phoning-home instance and binds the
// connection to it. The reply carries the connection epoch the instance must
// expect on its commands.
func (h *Handler) handleInstanceHello(s socketio.Conn, msg string) {
	var data helloData
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		log.Printf("[WebSocket] Malformed hello from %s: %v", s.ID(), err)
		s.Emit("hello:rejected", map[string]interface{}{"reason": "malformed hello"})
		return
	}
	if data.InstanceID == "" || data.Credential == "" {
		s.Emit("hello:rejected", map[string]interface{}{"reason": "instance_id and credential required"})
		return
	}

	var inst model.Instance
	if err := h.db.First(&inst, "id = ?", data.InstanceID).Error; err != nil {
		log.Printf("[WebSocket] Hello from unknown instance %s", data.InstanceID)
		s.Emit("hello:rejected", map[string]interface{}{"reason": "unknown instance"})
		return
	}
	if !enroll.VerifyCredential(inst.CredentialHash, data.Credential) {
		log.Printf("[WebSocket] Bad credential for instance %s", data.InstanceID)
		s.Emit("hello:rejected", map[string]interface{}{"reason": "invalid credential"})
		return
	}

	epoch, err := h.bridge.HandleInstanceConnect(data.InstanceID, &instanceConn{s: s})
	if err != nil {
		log.Printf("[WebSocket] Failed to bind instance %s: %v", data.InstanceID, err)
		s.Emit("hello:rejected", map[string]interface{}{"reason": "registration failed"})
		return
	}

	if ctx := connCtx(s); ctx != nil {
		ctx.instanceID = data.InstanceID
		ctx.epoch = epoch
	}

	log.Printf("[WebSocket] Instance %s authenticated with epoch %d", data.InstanceID, epoch)
	s.Emit("hello:ack", map[string]interface{}{
		"epoch": epoch,
	})
}

// handleInstanceEvent routes one task event from an authenticated instance
func (h *Handler) handleInstanceEvent(s socketio.Conn, msg string) {
	ctx := connCtx(s)
	if ctx == nil || ctx.instanceID == "" {
		s.Emit("error", map[string]interface{}{"message": "not authenticated as an instance"})
		return
	}

	env, err := protocol.Decode([]byte(msg))
	if err != nil {
		log.Printf("[WebSocket] Malformed event from instance %s: %v", ctx.instanceID, err)
		s.Emit("error", map[string]interface{}{"message": err.Error()})
		return
	}

	if err := h.bridge.HandleInstanceEvent(ctx.instanceID, ctx.epoch, env); err != nil {
		log.Printf("[WebSocket] Failed to handle %s from instance %s: %v", env.Kind, ctx.instanceID, err)
		s.Emit("error", map[string]interface{}{"message": err.Error()})
	}
}

// handlePong refreshes instance liveness on transport-level pings
func (h *Handler) handlePong(s socketio.Conn, _ string) {
	ctx := connCtx(s)
	if ctx == nil || ctx.instanceID == "" {
		return
	}
	if err := h.registry.Heartbeat(ctx.instanceID); err != nil {
		log.Printf("[WebSocket] Pong from unregistered instance %s", ctx.instanceID)
	}
}
