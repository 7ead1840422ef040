// Package userdata holds the per-session view of an agent row: the merged
// agent configuration (template defaults under per-agent overrides), the
// agent's memory blob, and dirty tracking so only modified columns are
// written back on session close.
//
// Config and memory blobs are dynamic JSON trees. They are never decoded
// into closed structs; callers look values up by dotted path and receive
// whatever the tree holds.
package userdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vocalia-ai/vocalia/internal/store"
)

// UserData is the session-held agent state. Safe for concurrent use.
type UserData struct {
	AgentID   int64
	UserID    int64
	AgentName string
	LoginName string

	mu          sync.RWMutex
	config      map[string]any
	memory      map[string]any
	dirtyConfig bool
	dirtyMemory bool
}

// New builds a UserData from a loaded row: both JSON blobs are decoded and
// the template config is merged under the agent config (agent wins).
func New(row *store.UserDataRow) (*UserData, error) {
	agentCfg, err := decodeTree(row.AgentConfig)
	if err != nil {
		return nil, fmt.Errorf("userdata: decode agent config: %w", err)
	}
	tmplCfg, err := decodeTree(row.TemplateConfig)
	if err != nil {
		return nil, fmt.Errorf("userdata: decode template config: %w", err)
	}
	memory, err := decodeTree(row.MemoryData)
	if err != nil {
		return nil, fmt.Errorf("userdata: decode memory: %w", err)
	}

	u := &UserData{
		AgentID:   row.AgentID,
		UserID:    row.UserID,
		AgentName: row.AgentName,
		LoginName: row.LoginName,
		config:    DeepMerge(tmplCfg, agentCfg),
		memory:    memory,
	}
	return u, nil
}

func decodeTree(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// Config returns the value at a dotted path in the merged config, or nil
// when any path segment is missing.
func (u *UserData) Config(path string) any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return lookup(u.config, path)
}

// ConfigString returns the config value at path as a string, or def when the
// value is missing or not a string.
func (u *UserData) ConfigString(path, def string) string {
	if s, ok := u.Config(path).(string); ok && s != "" {
		return s
	}
	return def
}

// ConfigInt returns the config value at path as an int, or def when the
// value is missing or not numeric. JSON numbers decode as float64.
func (u *UserData) ConfigInt(path string, def int) int {
	switch v := u.Config(path).(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// ConfigBool returns the config value at path as a bool, or def otherwise.
func (u *UserData) ConfigBool(path string, def bool) bool {
	if b, ok := u.Config(path).(bool); ok {
		return b
	}
	return def
}

// Memory returns the value at a dotted path in the memory tree, or nil when
// any segment is missing.
func (u *UserData) Memory(path string) any {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return lookup(u.memory, path)
}

// SetMemory writes a value at a dotted path in the memory tree, creating
// intermediate maps, and marks memory dirty.
func (u *UserData) SetMemory(path string, value any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	setPath(u.memory, path, value)
	u.dirtyMemory = true
}

// SetConfig writes a value at a dotted path in the config tree and marks
// config dirty.
func (u *UserData) SetConfig(path string, value any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	setPath(u.config, path, value)
	u.dirtyConfig = true
}

// ChildAge derives a whole-year age from the config's birth_date
// ("2006-01-02"). Returns 0 when the field is absent or malformed.
func (u *UserData) ChildAge() int {
	s, ok := u.Config("child.birth_date").(string)
	if !ok || s == "" {
		return 0
	}
	birth, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0
	}
	now := time.Now()
	age := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// Saver persists agent blobs. *store.Store satisfies it.
type Saver interface {
	UpdateAgentData(ctx context.Context, agentID int64, config, memory []byte) error
}

// Dirty reports whether any blob has unsaved changes.
func (u *UserData) Dirty() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.dirtyConfig || u.dirtyMemory
}

// Save writes dirty blobs back to the agent row (last writer wins) and
// clears the dirty flags. A no-op when nothing changed.
func (u *UserData) Save(ctx context.Context, st Saver) error {
	u.mu.Lock()
	var cfgRaw, memRaw []byte
	var err error
	if u.dirtyConfig {
		if cfgRaw, err = json.Marshal(u.config); err != nil {
			u.mu.Unlock()
			return fmt.Errorf("userdata: marshal config: %w", err)
		}
	}
	if u.dirtyMemory {
		if memRaw, err = json.Marshal(u.memory); err != nil {
			u.mu.Unlock()
			return fmt.Errorf("userdata: marshal memory: %w", err)
		}
	}
	u.mu.Unlock()

	if cfgRaw == nil && memRaw == nil {
		return nil
	}
	if err := st.UpdateAgentData(ctx, u.AgentID, cfgRaw, memRaw); err != nil {
		return err
	}

	u.mu.Lock()
	if cfgRaw != nil {
		u.dirtyConfig = false
	}
	if memRaw != nil {
		u.dirtyMemory = false
	}
	u.mu.Unlock()
	return nil
}

// lookup walks a dotted path through nested maps.
func lookup(tree map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = tree
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// setPath writes value at a dotted path, creating intermediate maps and
// replacing non-map intermediates.
func setPath(tree map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}
