package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/apierr"
)

// persistedState is the registry.json schema.
type persistedState struct {
	RegisteredAgentIDs []string          `json:"registered_agent_ids"`
	StatusByAgentID    map[string]string `json:"status_by_agent_id"`
}

// Registry reconciles the registered trader set against the available
// manifests and persists it across restarts.
type Registry struct {
	mu          sync.Mutex
	manifestDir string
	statePath   string
	log         zerolog.Logger

	available  map[string]Trader
	registered map[string]bool
	status     map[string]string
}

// New loads manifests from manifestDir and the persisted registry state
// from statePath. A missing or corrupt state file starts empty.
func New(manifestDir, statePath string, log zerolog.Logger) *Registry {
	r := &Registry{
		manifestDir: manifestDir,
		statePath:   statePath,
		log:         log.With().Str("component", "registry").Logger(),
		registered:  map[string]bool{},
		status:      map[string]string{},
	}
	r.available = loadManifests(manifestDir, r.log)

	raw, err := os.ReadFile(statePath)
	if err == nil {
		var st persistedState
		if err := json.Unmarshal(raw, &st); err != nil {
			r.log.Warn().Err(err).Str("path", statePath).Msg("Registry state unreadable, starting empty")
		} else {
			for _, id := range st.RegisteredAgentIDs {
				if _, ok := r.available[id]; ok {
					r.registered[id] = true
				}
			}
			for id, s := range st.StatusByAgentID {
				if r.registered[id] && (s == StatusRunning || s == StatusStopped) {
					r.status[id] = s
				}
			}
		}
	}
	r.log.Info().
		Int("available", len(r.available)).
		Int("registered", len(r.registered)).
		Msg("Registry loaded")
	return r
}

// Reload re-reads the manifest directory and drops registered entries
// whose manifest disappeared.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = loadManifests(r.manifestDir, r.log)
	for id := range r.registered {
		if _, ok := r.available[id]; !ok {
			delete(r.registered, id)
			delete(r.status, id)
		}
	}
	r.saveLocked()
}

// Available lists every manifest trader sorted by id.
func (r *Registry) Available() []Trader {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Trader, 0, len(r.available))
	for id, t := range r.available {
		t.Status = r.statusLocked(id)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID < out[j].TraderID })
	return out
}

// Registered lists the registered traders sorted by id.
func (r *Registry) Registered() []Trader {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Trader, 0, len(r.registered))
	for id := range r.registered {
		t := r.available[id]
		t.Status = r.statusLocked(id)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID < out[j].TraderID })
	return out
}

// Running lists the registered traders whose status is running.
func (r *Registry) Running() []Trader {
	var out []Trader
	for _, t := range r.Registered() {
		if t.Status == StatusRunning {
			out = append(out, t)
		}
	}
	return out
}

// Get returns a registered trader by id.
func (r *Registry) Get(id string) (Trader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.available[id]
	if !ok {
		return Trader{}, apierr.NotFound("agent_manifest_not_found", fmt.Sprintf("no manifest for agent %s", id))
	}
	if !r.registered[id] {
		return Trader{}, apierr.NotFound("agent_not_registered", fmt.Sprintf("agent %s is not registered", id))
	}
	t.Status = r.statusLocked(id)
	return t, nil
}

// IsRegistered reports whether id is in the registered set.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[id]
}

// Register adds an available trader to the registered set.
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.available[id]; !ok {
		return apierr.NotFound("agent_manifest_not_found", fmt.Sprintf("no manifest for agent %s", id))
	}
	r.registered[id] = true
	if _, ok := r.status[id]; !ok {
		r.status[id] = StatusStopped
	}
	return r.saveLocked()
}

// Unregister removes a trader from the registered set. Its status is
// forgotten with it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered[id] {
		return apierr.NotFound("agent_not_registered", fmt.Sprintf("agent %s is not registered", id))
	}
	delete(r.registered, id)
	delete(r.status, id)
	return r.saveLocked()
}

// Start marks a registered trader running.
func (r *Registry) Start(id string) error {
	return r.setStatus(id, StatusRunning)
}

// Stop marks a registered trader stopped.
func (r *Registry) Stop(id string) error {
	return r.setStatus(id, StatusStopped)
}

func (r *Registry) setStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered[id] {
		return apierr.NotFound("agent_not_registered", fmt.Sprintf("agent %s is not registered", id))
	}
	r.status[id] = status
	return r.saveLocked()
}

// AssetPath resolves an avatar asset path under the manifest dir,
// refusing any traversal outside the trader's asset directory.
func (r *Registry) AssetPath(id, file string) (string, error) {
	r.mu.Lock()
	_, ok := r.available[id]
	r.mu.Unlock()
	if !ok {
		return "", apierr.NotFound("agent_manifest_not_found", fmt.Sprintf("no manifest for agent %s", id))
	}
	clean := filepath.Base(file)
	if clean != file || clean == "." || clean == ".." {
		return "", apierr.BadRequest("invalid_trader_id", "invalid asset file name")
	}
	return filepath.Join(r.manifestDir, "assets", id, clean), nil
}

func (r *Registry) statusLocked(id string) string {
	if !r.registered[id] {
		return StatusStopped
	}
	if s, ok := r.status[id]; ok {
		return s
	}
	return StatusStopped
}

// saveLocked persists the registry with tmp+rename so a crashed write
// never corrupts registry.json.
func (r *Registry) saveLocked() error {
	st := persistedState{
		RegisteredAgentIDs: make([]string, 0, len(r.registered)),
		StatusByAgentID:    map[string]string{},
	}
	for id := range r.registered {
		st.RegisteredAgentIDs = append(st.RegisteredAgentIDs, id)
		st.StatusByAgentID[id] = r.statusLocked(id)
	}
	sort.Strings(st.RegisteredAgentIDs)

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		return fmt.Errorf("mkdir registry dir: %w", err)
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write registry state: %w", err)
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		return fmt.Errorf("rename registry state: %w", err)
	}
	return nil
}

// PoolUnion returns the ordered union of every available trader's
// stock pool, used when a trader declares no pool of its own.
func (r *Registry) PoolUnion() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	ids := make([]string, 0, len(r.available))
	for id := range r.available {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, sym := range r.available[id].StockPool {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}
