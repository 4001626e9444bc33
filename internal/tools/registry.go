package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_bridge/internal/model"
)

// Registry errors
var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrToolDisabled  = errors.New("tool disabled")
	ErrUnknownServer = errors.New("unknown tool server")
)

// ToolDecl declares one tool at server registration time
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Registry holds registered tool servers and their declared tools. It keeps
// an in-memory index for request-path lookups and optionally mirrors writes
// to the database.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*model.ToolServer // id -> server
	byName  map[string]string            // server name -> id
	tools   map[string][]*model.Tool     // server id -> tools
	db      *gorm.DB
}

// NewRegistry creates a tool registry. db may be nil for a purely in-memory
// registry.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		servers: make(map[string]*model.ToolServer),
		byName:  make(map[string]string),
		tools:   make(map[string][]*model.Tool),
		db:      db,
	}
}

// LoadAll seeds the in-memory index from the database
func (r *Registry) LoadAll() error {
	if r.db == nil {
		return nil
	}
	var servers []model.ToolServer
	if err := r.db.Find(&servers).Error; err != nil {
		return fmt.Errorf("failed to load tool servers: %w", err)
	}
	var tools []model.Tool
	if err := r.db.Find(&tools).Error; err != nil {
		return fmt.Errorf("failed to load tools: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range servers {
		s := servers[i]
		r.servers[s.ID] = &s
		r.byName[s.Name] = s.ID
	}
	for i := range tools {
		t := tools[i]
		r.tools[t.ServerID] = append(r.tools[t.ServerID], &t)
	}
	return nil
}

// RegisterServer registers a tool server with its declared tools.
// Registering an existing name replaces the server's tool set.
func (r *Registry) RegisterServer(name, description, endpoint, transport string, decls []ToolDecl) (*model.ToolServer, error) {
	if transport == "" {
		transport = "http"
	}
	if transport != "http" && transport != "websocket" {
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, replacing := r.byName[name]
	if !replacing {
		id = uuid.NewString()
	}

	srv := &model.ToolServer{
		ID:          id,
		Name:        name,
		Description: description,
		Endpoint:    endpoint,
		Transport:   transport,
		Enabled:     true,
	}
	declared := make([]*model.Tool, 0, len(decls))
	for _, d := range decls {
		declared = append(declared, &model.Tool{
			ID:          uuid.NewString(),
			ServerID:    id,
			Name:        d.Name,
			Description: d.Description,
			InputSchema: datatypes.JSON(d.InputSchema),
			Enabled:     true,
		})
	}

	if r.db != nil {
		err := r.db.Transaction(func(tx *gorm.DB) error {
			if replacing {
				if err := tx.Where("server_id = ?", id).Delete(&model.Tool{}).Error; err != nil {
					return err
				}
				if err := tx.Save(srv).Error; err != nil {
					return err
				}
			} else if err := tx.Create(srv).Error; err != nil {
				return err
			}
			for _, t := range declared {
				if err := tx.Create(t).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to persist tool server: %w", err)
		}
	}

	r.servers[id] = srv
	r.byName[name] = id
	r.tools[id] = declared
	return srv, nil
}

// ListServers returns all registered servers
func (r *Registry) ListServers() []*model.ToolServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.ToolServer, 0, len(r.servers))
	for _, s := range r.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// ListTools returns all tools, or only one server's tools when serverID is set
func (r *Registry) ListTools(serverID string) []*model.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Tool
	appendAll := func(ts []*model.Tool) {
		for _, t := range ts {
			cp := *t
			out = append(out, &cp)
		}
	}
	if serverID != "" {
		appendAll(r.tools[serverID])
		return out
	}
	for _, ts := range r.tools {
		appendAll(ts)
	}
	return out
}

// Resolve finds an enabled tool and its server. When serverID is empty the
// tool name is looked up across all servers.
func (r *Registry) Resolve(serverID, toolName string) (*model.ToolServer, *model.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	match := func(sid string) (*model.ToolServer, *model.Tool, error) {
		srv, ok := r.servers[sid]
		if !ok {
			return nil, nil, ErrUnknownServer
		}
		for _, t := range r.tools[sid] {
			if t.Name != toolName {
				continue
			}
			if !t.Enabled || !srv.Enabled {
				return nil, nil, ErrToolDisabled
			}
			srvCp, tCp := *srv, *t
			return &srvCp, &tCp, nil
		}
		return nil, nil, ErrUnknownTool
	}

	if serverID != "" {
		return match(serverID)
	}
	for sid := range r.servers {
		srv, t, err := match(sid)
		if err == nil {
			return srv, t, nil
		}
		if errors.Is(err, ErrToolDisabled) {
			return nil, nil, err
		}
	}
	return nil, nil, ErrUnknownTool
}

// SetToolEnabled flips one tool's enabled flag
func (r *Registry) SetToolEnabled(toolID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range r.tools {
		for _, t := range ts {
			if t.ID != toolID {
				continue
			}
			t.Enabled = enabled
			if r.db != nil {
				return r.db.Model(&model.Tool{}).Where("id = ?", toolID).
					Update("enabled", enabled).Error
			}
			return nil
		}
	}
	return ErrUnknownTool
}

// SeedAutomationTools registers the built-in browser automation server when
// no server of that name exists yet.
func (r *Registry) SeedAutomationTools(endpoint string) error {
	r.mu.RLock()
	_, exists := r.byName["browser-automation"]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	decls := []ToolDecl{
		{Name: "browser_navigate", Description: "Navigate the browser to a URL"},
		{Name: "browser_click", Description: "Click an element on the current page"},
		{Name: "browser_type", Description: "Type text into a focused element"},
		{Name: "browser_screenshot", Description: "Capture a screenshot of the current page"},
		{Name: "execute_automation_task", Description: "Run a scripted automation sequence"},
	}
	_, err := r.RegisterServer("browser-automation", "Built-in browser automation tools", endpoint, "http", decls)
	return err
}
