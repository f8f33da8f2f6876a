// Package agent holds the agent model, registry, and lifecycle manager.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is an agent's lifecycle state as observed from its terminal.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusWorking      Status = "working"
	StatusIdle         Status = "idle"
	StatusWaitingInput Status = "waiting_input"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// SessionPrefix namespaces forge-owned tmux sessions.
const SessionPrefix = "forge"

// Agent is one supervised coding-agent process.
type Agent struct {
	ID             string    `json:"id"`
	Project        string    `json:"project"`
	SessionName    string    `json:"session_name"`
	WorktreePath   string    `json:"worktree_path"`
	BranchName     string    `json:"branch_name"`
	Task           string    `json:"task"`
	Profile        string    `json:"profile,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	LastOutput     string    `json:"-"`
	LastResponse   string    `json:"-"`
	LastUserMsg    string    `json:"last_user_message,omitempty"`
	NeedsAttention bool      `json:"needs_attention"`
	Parked         bool      `json:"parked"`
	SubagentDepth  int       `json:"subagent_depth"`
	RelayOffset    int64     `json:"-"`
}

// SessionName builds the tmux session name for an agent.
func SessionName(project, id string) string {
	return fmt.Sprintf("%s__%s__%s", SessionPrefix, project, id)
}

// ParseSessionName splits a forge session name into project and agent ID.
func ParseSessionName(name string) (project, id string, ok bool) {
	parts := strings.Split(name, "__")
	if len(parts) != 3 || parts[0] != SessionPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Store is a mutex-guarded in-memory agent registry.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{agents: make(map[string]*Agent)}
}

// Get returns the agent with the given ID.
func (s *Store) Get(id string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// Put registers or replaces an agent.
func (s *Store) Put(a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

// Remove deletes an agent from the registry.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
}

// List returns all agents sorted by creation time.
func (s *Store) List() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents
}

// ListByProject returns a project's agents sorted by creation time.
func (s *Store) ListByProject(project string) []*Agent {
	var agents []*Agent
	for _, a := range s.List() {
		if a.Project == project {
			agents = append(agents, a)
		}
	}
	return agents
}

// Update applies fn to the agent with the given ID while holding the
// registry lock. Returns false when the agent is unknown.
func (s *Store) Update(id string, fn func(*Agent)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false
	}
	fn(a)
	return true
}

// Count returns the total number of registered agents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// CountByProject returns the number of agents for one project.
func (s *Store) CountByProject(project string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.agents {
		if a.Project == project {
			n++
		}
	}
	return n
}
