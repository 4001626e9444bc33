package ws

import (
	"encoding/json"
	"log"

	socketio "github.com/googollee/go-socket.io"
)

// subscribeData is a backend client asking to follow a task's events
type subscribeData struct {
	TaskID  string `json:"taskId"`
	LastSeq int64  `json:"lastSeq"`
}

// handleSubscribeTask attaches the client to a task's event stream. Already
// persisted events after lastSeq are replayed first, then live events follow
// on the same "task:event" channel with no gap between the two.
func (h *Handler) handleSubscribeTask(s socketio.Conn, msg string) {
	ctx := connCtx(s)
	if ctx == nil {
		return
	}
	// Only JWT-authenticated backend clients may follow task streams;
	// instance connections report events, they do not watch them.
	if ctx.principal == "" {
		s.Emit("error", map[string]interface{}{"message": "subscription requires an authenticated principal"})
		return
	}

	var data subscribeData
	if err := json.Unmarshal([]byte(msg), &data); err != nil {
		s.Emit("error", map[string]interface{}{"message": "malformed subscribe request"})
		return
	}
	if data.TaskID == "" {
		s.Emit("error", map[string]interface{}{"message": "taskId required"})
		return
	}

	sub, err := h.bridge.Subscribe(data.TaskID, data.LastSeq)
	if err != nil {
		log.Printf("[WebSocket] Subscribe to task %s failed: %v", data.TaskID, err)
		s.Emit("error", map[string]interface{}{"message": err.Error()})
		return
	}
	ctx.addSub(data.TaskID, sub)

	log.Printf("[WebSocket] Client %s subscribed to task %s after seq %d (%d replayed)",
		s.ID(), data.TaskID, data.LastSeq, len(sub.Replay))

	for _, env := range sub.Replay {
		s.Emit("task:event", env)
	}
	s.Emit("task:subscribed", map[string]interface{}{
		"taskId":   data.TaskID,
		"replayed": len(sub.Replay),
	})

	go func() {
		for env := range sub.Live {
			s.Emit("task:event", env)
		}
	}()
}

// handleUnsubscribeTask detaches the client from a task's event stream
func (h *Handler) handleUnsubscribeTask(s socketio.Conn, msg string) {
	ctx := connCtx(s)
	if ctx == nil {
		return
	}
	var data subscribeData
	if err := json.Unmarshal([]byte(msg), &data); err != nil || data.TaskID == "" {
		return
	}
	ctx.removeSub(data.TaskID)
	log.Printf("[WebSocket] Client %s unsubscribed from task %s", s.ID(), data.TaskID)
}
