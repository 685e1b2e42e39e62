package agent

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// ScheduledChange is a declarative join/leave event applied at a timestep.
// Adds carry a constructed agent instance; removes carry an id.
type ScheduledChange struct {
	Timestep int
	Action   ChangeAction
	Agent    Agent
	AgentID  string
	Reason   string
}

type ChangeAction string

const (
	ChangeAdd    ChangeAction = "add"
	ChangeRemove ChangeAction = "remove"
)

// Registry holds the live agents of a run and applies scheduled changes
// exactly once per timestep.
type Registry struct {
	logger *log.Logger

	mu        sync.Mutex
	agents    map[string]Agent
	scheduled map[int][]ScheduledChange
	applied   map[int]struct{}
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		logger:    logger,
		agents:    map[string]Agent{},
		scheduled: map[int][]ScheduledChange{},
		applied:   map[int]struct{}{},
	}
}

func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	r.agents[a.AgentID()] = a
	r.mu.Unlock()
}

func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	delete(r.agents, agentID)
	return true
}

func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out
}

// Stats counts registered agents by type.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, a := range r.agents {
		out[a.AgentType()]++
	}
	return out
}

func (r *Registry) ScheduleAdd(timestep int, a Agent, reason string) {
	r.mu.Lock()
	r.scheduled[timestep] = append(r.scheduled[timestep], ScheduledChange{
		Timestep: timestep,
		Action:   ChangeAdd,
		Agent:    a,
		AgentID:  a.AgentID(),
		Reason:   reason,
	})
	r.mu.Unlock()
}

func (r *Registry) ScheduleRemove(timestep int, agentID, reason string) {
	r.mu.Lock()
	r.scheduled[timestep] = append(r.scheduled[timestep], ScheduledChange{
		Timestep: timestep,
		Action:   ChangeRemove,
		AgentID:  agentID,
		Reason:   reason,
	})
	r.mu.Unlock()
}

// ApplyScheduledChanges applies the changes registered for a timestep and
// returns human-readable descriptions. A timestep is applied at most once.
func (r *Registry) ApplyScheduledChanges(timestep int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.applied[timestep]; done {
		return nil
	}
	changes := r.scheduled[timestep]
	if len(changes) == 0 {
		return nil
	}
	r.applied[timestep] = struct{}{}

	var out []string
	for _, c := range changes {
		switch c.Action {
		case ChangeAdd:
			if c.Agent == nil {
				out = append(out, fmt.Sprintf("invalid add for %s: no agent instance", c.AgentID))
				continue
			}
			r.agents[c.Agent.AgentID()] = c.Agent
			out = append(out, fmt.Sprintf("added %s: %s", c.Agent.AgentID(), c.Reason))
		case ChangeRemove:
			if _, ok := r.agents[c.AgentID]; ok {
				delete(r.agents, c.AgentID)
				out = append(out, fmt.Sprintf("removed %s: %s", c.AgentID, c.Reason))
			} else {
				out = append(out, fmt.Sprintf("could not remove %s: %s", c.AgentID, c.Reason))
			}
		default:
			out = append(out, "invalid scheduled change entry")
		}
	}
	for _, line := range out {
		r.logger.Printf("registry: timestep=%d %s", timestep, line)
	}
	return out
}
